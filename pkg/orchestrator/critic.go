package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"relay/pkg/resilience"
)

// CriticVerdict is the structured judgment parsed from a critic step's raw
// output. It is derived fresh each round and never stored.
type CriticVerdict struct {
	Accepted bool     `json:"accepted"`
	Score    int      `json:"score"`
	Feedback string   `json:"feedback"`
	Issues   []string `json:"issues,omitempty"`
}

// NoFeedback is substituted when the critic supplies no feedback text.
const NoFeedback = "no specific feedback provided"

const (
	maxFeedbackChars = 2000
	maxIssues        = 10
	maxIssueChars    = 500

	defaultScore    = 5
	unparsableScore = 3
)

// runCriticLoop alternates the generator and critic steps until the critic
// accepts or the round budget runs out. The loop always terminates with a
// draft in hand: an unparsable verdict on the final round counts as accepted,
// and a parsed rejection on the final round still delivers the last draft.
func (o *Orchestrator) runCriticLoop(ctx context.Context, runID string, req Request) (string, int, float64, *CriticVerdict, error) {
	generator, critic := req.Steps[0], req.Steps[1]
	maxRounds := o.cfg.Orchestrator.GetMaxCriticRounds()

	var cost float64
	var draft string
	var verdict CriticVerdict
	input := req.Input

	for round := 0; round < maxRounds; round++ {
		text, genCost, err := o.callStep(ctx, runID, 0, generator, input, req)
		cost += genCost
		if err != nil {
			partial := joinOutputs([]string{draft, text})
			return "", round, cost, nil, &StepError{StepIndex: 0, ErrorType: resilience.TypeOf(err), PartialOutput: partial, Err: err}
		}
		draft = text
		o.progress(ctx, runID, req, map[string]any{
			"round": round + 1, "of": maxRounds, "phase": "generate", "agent": generator.Agent,
		})

		raw, critCost, err := o.callStep(ctx, runID, 1, critic, draft, req)
		cost += critCost
		if err != nil {
			return "", round, cost, nil, &StepError{StepIndex: 1, ErrorType: resilience.TypeOf(err), PartialOutput: draft, Err: err}
		}
		verdict = ParseVerdict(raw, round, maxRounds)
		o.progress(ctx, runID, req, map[string]any{
			"round": round + 1, "of": maxRounds, "phase": "critique", "agent": critic.Agent,
			"score": verdict.Score, "accepted": verdict.Accepted,
		})

		if verdict.Accepted {
			v := verdict
			return draft, round + 1, cost, &v, nil
		}
		input = revisionPrompt(req.Input, draft, verdict)
	}

	o.logger.Info("run %s used all %d critic rounds without acceptance, delivering last draft", runID, maxRounds)
	v := verdict
	return draft, maxRounds, cost, &v, nil
}

// revisionPrompt builds the generator's input for the next round from the
// critic's verdict.
func revisionPrompt(original, draft string, v CriticVerdict) string {
	var b strings.Builder
	if original != "" {
		b.WriteString("Original request:\n")
		b.WriteString(original)
		b.WriteString("\n\n")
	}
	b.WriteString("Previous draft:\n")
	b.WriteString(draft)
	b.WriteString("\n\nReviewer feedback (score ")
	b.WriteString(strconv.Itoa(v.Score))
	b.WriteString("/10):\n")
	b.WriteString(v.Feedback)
	b.WriteString("\n\nRevise the draft to address the feedback.")
	return b.String()
}

// ParseVerdict turns raw critic output into a verdict. round is zero-based;
// maxRounds tells the parser whether this is the final round, where an
// unparsable verdict must accept so the loop cannot spin forever on a critic
// that never produces valid JSON.
//
// Guarantees for any input: Score is in [1,10], Issues holds at most 10
// entries of at most 500 characters each, and Feedback is at most 2000
// characters.
func ParseVerdict(raw string, round, maxRounds int) CriticVerdict {
	var parsed struct {
		Accepted bool            `json:"accepted"`
		Score    json.RawMessage `json:"score"`
		Feedback string          `json:"feedback"`
		Issues   []string        `json:"issues"`
	}
	if err := json.Unmarshal([]byte(stripFence(raw)), &parsed); err != nil {
		if round >= maxRounds-1 {
			return CriticVerdict{Accepted: true, Score: defaultScore, Feedback: NoFeedback}
		}
		return CriticVerdict{Accepted: false, Score: unparsableScore, Feedback: NoFeedback}
	}

	v := CriticVerdict{
		Accepted: parsed.Accepted,
		Score:    clampScore(parseScore(parsed.Score)),
		Issues:   capIssues(parsed.Issues),
	}

	feedback := strings.TrimSpace(parsed.Feedback)
	if feedback == "" {
		feedback = NoFeedback
	}
	if len(v.Issues) > 0 {
		feedback = feedback + "\n" + numberedIssues(v.Issues)
	}
	v.Feedback = truncate(feedback, maxFeedbackChars)
	return v
}

// stripFence removes one leading/trailing code-fence wrapper, with or without
// a language tag, so fenced JSON parses.
func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = s[3:]
	idx := strings.IndexByte(s, '\n')
	if idx < 0 {
		return ""
	}
	s = strings.TrimSpace(s[idx+1:])
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// parseScore accepts a JSON number or a numeric string; anything else gets
// the default.
func parseScore(raw json.RawMessage) int {
	if len(raw) == 0 {
		return defaultScore
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return int(f)
		}
	}
	return defaultScore
}

func clampScore(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

func capIssues(issues []string) []string {
	if len(issues) == 0 {
		return nil
	}
	if len(issues) > maxIssues {
		issues = issues[:maxIssues]
	}
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = truncate(strings.TrimSpace(issue), maxIssueChars)
	}
	return out
}

func numberedIssues(issues []string) string {
	var b strings.Builder
	for i, issue := range issues {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, issue)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
