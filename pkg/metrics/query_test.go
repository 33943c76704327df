package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrometheus answers /api/v1/query with a one-sample vector chosen by
// substring-matching the PromQL expression.
func fakePrometheus(t *testing.T, answer func(query string) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v1/query") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":%s}}`, answer(r.FormValue("query")))
	}))
}

func sample(value string, labels string) string {
	return fmt.Sprintf(`[{"metric":{%s},"value":[1700000000,"%s"]}]`, labels, value)
}

func TestGetRunStats(t *testing.T) {
	srv := fakePrometheus(t, func(query string) string {
		switch {
		case strings.Contains(query, `status="completed"`):
			return sample("12", "")
		case strings.Contains(query, `status!="completed"`):
			return sample("3", "")
		case strings.Contains(query, "relay_run_cost_usd_total"):
			return sample("1.25", "")
		case strings.Contains(query, "relay_run_duration_seconds_sum"):
			return sample("600", "")
		case strings.Contains(query, "relay_run_duration_seconds_count"):
			return sample("12", "")
		case strings.Contains(query, "relay_queue_timeouts_total"):
			return sample("1", "")
		case strings.Contains(query, "relay_orphans_reaped_total"):
			return sample("2", "")
		default:
			return "[]"
		}
	})
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	stats, err := q.GetRunStats(context.Background(), 15*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "15m", stats.Window)
	assert.Equal(t, float64(12), stats.RunsCompleted)
	assert.Equal(t, float64(3), stats.RunsFailed)
	assert.InDelta(t, 1.25, stats.CostUSD, 1e-9)
	assert.InDelta(t, 50.0, stats.AvgDurationSec, 1e-9)
	assert.Equal(t, float64(1), stats.GuardTimeouts)
	assert.Equal(t, float64(2), stats.OrphansReaped)
}

func TestGetRunStatsNoData(t *testing.T) {
	srv := fakePrometheus(t, func(string) string { return "[]" })
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	stats, err := q.GetRunStats(context.Background(), 15*time.Minute)
	require.NoError(t, err)

	assert.Zero(t, stats.RunsCompleted)
	assert.Zero(t, stats.CostUSD)
	assert.Zero(t, stats.AvgDurationSec)
}

func TestGetAgentStats(t *testing.T) {
	srv := fakePrometheus(t, func(query string) string {
		switch {
		case strings.Contains(query, "relay_runs_total"):
			return `[{"metric":{"agent_type":"dev"},"value":[1700000000,"10"]},{"metric":{"agent_type":"writer"},"value":[1700000000,"5"]}]`
		case strings.Contains(query, "relay_run_cost_usd_total"):
			return sample("0.5", `"agent_type":"dev"`)
		default:
			return "[]"
		}
	})
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	stats, err := q.GetAgentStats(context.Background(), 15*time.Minute)
	require.NoError(t, err)

	require.Len(t, stats, 2)
	assert.Equal(t, float64(10), stats["dev"].Runs)
	assert.InDelta(t, 0.5, stats["dev"].CostUSD, 1e-9)
	assert.Equal(t, float64(5), stats["writer"].Runs)
	assert.Zero(t, stats["writer"].CostUSD)
}
