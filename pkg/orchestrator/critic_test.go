package orchestrator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdictScoreClamping(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{"negative", `{"accepted":false,"score":-5,"feedback":"bad","issues":[]}`, 1},
		{"zero", `{"accepted":false,"score":0}`, 1},
		{"in range", `{"accepted":true,"score":8}`, 8},
		{"above range", `{"accepted":true,"score":99}`, 10},
		{"absent", `{"accepted":false}`, 5},
		{"null", `{"accepted":false,"score":null}`, 5},
		{"numeric string", `{"accepted":true,"score":"7"}`, 7},
		{"non-numeric string", `{"accepted":true,"score":"high"}`, 5},
		{"float truncates", `{"accepted":true,"score":7.9}`, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := ParseVerdict(tc.raw, 0, 3)
			assert.Equal(t, tc.want, v.Score)
		})
	}
}

func TestParseVerdictStripsCodeFence(t *testing.T) {
	body := `{"accepted":true,"score":8,"feedback":"clean"}`

	for _, raw := range []string{
		"```json\n" + body + "\n```",
		"```\n" + body + "\n```",
		"  ```json\n" + body + "\n```  ",
		body,
	} {
		v := ParseVerdict(raw, 0, 3)
		assert.True(t, v.Accepted, "input %q", raw)
		assert.Equal(t, 8, v.Score, "input %q", raw)
		assert.Equal(t, "clean", v.Feedback, "input %q", raw)
	}
}

func TestParseVerdictFeedbackDefaults(t *testing.T) {
	v := ParseVerdict(`{"accepted":false,"score":4}`, 0, 3)
	assert.Equal(t, NoFeedback, v.Feedback)

	v = ParseVerdict(`{"accepted":false,"score":4,"feedback":"   "}`, 0, 3)
	assert.Equal(t, NoFeedback, v.Feedback)
}

func TestParseVerdictNumbersIssuesIntoFeedback(t *testing.T) {
	v := ParseVerdict(`{"accepted":false,"score":4,"feedback":"needs work","issues":["too formal","misses the date"]}`, 0, 3)

	assert.Equal(t, []string{"too formal", "misses the date"}, v.Issues)
	assert.Equal(t, "needs work\n1. too formal\n2. misses the date", v.Feedback)
}

func TestParseVerdictIssuesWithoutFeedback(t *testing.T) {
	v := ParseVerdict(`{"accepted":false,"issues":["first issue","second issue"]}`, 0, 3)
	assert.Equal(t, NoFeedback+"\n1. first issue\n2. second issue", v.Feedback)
}

func TestParseVerdictCapsIssues(t *testing.T) {
	issues := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		issues = append(issues, fmt.Sprintf(`"issue %d"`, i))
	}
	raw := fmt.Sprintf(`{"accepted":false,"score":3,"issues":[%s]}`, strings.Join(issues, ","))

	v := ParseVerdict(raw, 0, 3)
	require.Len(t, v.Issues, 10)
	assert.Equal(t, "issue 0", v.Issues[0])
	assert.Equal(t, "issue 9", v.Issues[9])
}

func TestParseVerdictTruncatesLongIssues(t *testing.T) {
	long := strings.Repeat("x", 600)
	v := ParseVerdict(fmt.Sprintf(`{"accepted":false,"issues":["%s"]}`, long), 0, 3)

	require.Len(t, v.Issues, 1)
	assert.Len(t, v.Issues[0], 500)
}

func TestParseVerdictTruncatesFeedback(t *testing.T) {
	long := strings.Repeat("y", 3000)
	v := ParseVerdict(fmt.Sprintf(`{"accepted":false,"feedback":"%s"}`, long), 0, 3)
	assert.Len(t, v.Feedback, 2000)

	// Combination with issues is still capped.
	v = ParseVerdict(fmt.Sprintf(`{"accepted":false,"feedback":"%s","issues":["%s"]}`,
		strings.Repeat("y", 1900), strings.Repeat("z", 400)), 0, 3)
	assert.Len(t, v.Feedback, 2000)
}

func TestParseVerdictUnparsableByRound(t *testing.T) {
	inputs := []string{
		"this is not json at all",
		`"a bare string is valid JSON but not a verdict"`,
		`{"accepted": "maybe"}`,
		"```json\ngarbage\n```",
		"",
	}
	for _, raw := range inputs {
		v := ParseVerdict(raw, 0, 3)
		assert.False(t, v.Accepted, "round 0 input %q", raw)
		assert.Equal(t, 3, v.Score, "round 0 input %q", raw)

		v = ParseVerdict(raw, 1, 3)
		assert.False(t, v.Accepted, "round 1 input %q", raw)

		v = ParseVerdict(raw, 2, 3)
		assert.True(t, v.Accepted, "last round input %q", raw)
		assert.Equal(t, 5, v.Score, "last round input %q", raw)
	}
}

func TestParseVerdictUnparsableSingleRound(t *testing.T) {
	// With a one-round budget, round zero is already the last round.
	v := ParseVerdict("nonsense", 0, 1)
	assert.True(t, v.Accepted)
	assert.Equal(t, 5, v.Score)
}

func TestParseVerdictBoundsHoldForArbitraryInput(t *testing.T) {
	inputs := []string{
		`{"accepted":true,"score":1000000,"feedback":"` + strings.Repeat("a", 5000) + `"}`,
		`{"score":-1000000}`,
		`{"issues":[` + strings.Repeat(`"aaaaaaaaaa",`, 99) + `"end"]}`,
		"```json\n{}\n```",
		"{}",
	}
	for round := 0; round < 3; round++ {
		for _, raw := range inputs {
			v := ParseVerdict(raw, round, 3)
			assert.GreaterOrEqual(t, v.Score, 1, "input %q", raw)
			assert.LessOrEqual(t, v.Score, 10, "input %q", raw)
			assert.LessOrEqual(t, len(v.Feedback), 2000, "input %q", raw)
			assert.LessOrEqual(t, len(v.Issues), 10, "input %q", raw)
			for _, issue := range v.Issues {
				assert.LessOrEqual(t, len(issue), 500, "input %q", raw)
			}
		}
	}
}
