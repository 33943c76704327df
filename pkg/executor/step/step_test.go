package step

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"relay/pkg/config"
	"relay/pkg/resilience"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want resilience.ErrorType
	}{
		{"deadline", context.DeadlineExceeded, resilience.TypeTransient},
		{"canceled", context.Canceled, resilience.TypeTransient},
		{"status 401", errors.New("request failed, status code: 401, check credentials"), resilience.TypeAuth},
		{"status 429", errors.New("HTTP 429 Too Many Requests"), resilience.TypeRateLimit},
		{"status 500", errors.New("status: 500 internal error"), resilience.TypeTransient},
		{"status 400", errors.New("status code: 400 bad request"), resilience.TypeBadRequest},
		{"connection refused", errors.New("dial tcp 127.0.0.1:11434: connection refused"), resilience.TypeTransient},
		{"quota text", errors.New("you have exceeded your quota"), resilience.TypeRateLimit},
		{"api key text", errors.New("invalid api key provided"), resilience.TypeAuth},
		{"model not found", errors.New(`model "phi9" not found`), resilience.TypeBadRequest},
		{"mystery", errors.New("something odd happened"), resilience.TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("testprov", tt.err)
			assert.Equal(t, tt.want, resilience.TypeOf(got), "got %v", got)
		})
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := resilience.NewErrorWithStatus(resilience.TypeAuth, 401, "bad key")
	got := Classify("testprov", fmt.Errorf("wrapped: %w", orig))

	var classified *resilience.Error
	assert.True(t, errors.As(got, &classified))
	assert.Equal(t, orig, classified)
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, Classify("testprov", nil))
}

func TestEffectiveMaxTokens(t *testing.T) {
	known := config.ModelClaudeSonnet
	limit := config.KnownModels[known].MaxOutputTokens

	assert.Equal(t, 4096, EffectiveMaxTokens(known, 0), "zero request gets the default")
	assert.Equal(t, 100, EffectiveMaxTokens(known, 100))
	assert.Equal(t, limit, EffectiveMaxTokens(known, limit+5000), "capped at the model limit")
	assert.Equal(t, 1_000_000, EffectiveMaxTokens("mystery-9000", 1_000_000), "unknown models are uncapped")
}
