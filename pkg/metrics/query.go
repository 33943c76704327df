package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunStats represents aggregate run activity over a lookback window, as seen
// by a Prometheus server scraping the relay's /metrics endpoint.
type RunStats struct {
	Window         string  `json:"window"`
	RunsCompleted  float64 `json:"runs_completed"`
	RunsFailed     float64 `json:"runs_failed"`
	CostUSD        float64 `json:"cost_usd"`
	AvgDurationSec float64 `json:"avg_duration_seconds"`
	GuardTimeouts  float64 `json:"guard_timeouts"`
	OrphansReaped  float64 `json:"orphans_reaped"`
}

// AgentStats represents runs and cost broken down by agent type.
type AgentStats struct {
	AgentType string  `json:"agent_type"`
	Runs      float64 `json:"runs"`
	CostUSD   float64 `json:"cost_usd"`
}

// QueryService provides methods to query relay metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetRunStats retrieves aggregated run counts, cost, duration, and repair
// activity over the given window.
func (q *QueryService) GetRunStats(ctx context.Context, window time.Duration) (*RunStats, error) {
	w := model.Duration(window).String()
	stats := &RunStats{Window: w}

	var err error
	stats.RunsCompleted, err = q.queryScalar(ctx, fmt.Sprintf(`sum(increase(relay_runs_total{status="completed"}[%s]))`, w))
	if err != nil {
		return nil, fmt.Errorf("query completed runs: %w", err)
	}

	stats.RunsFailed, err = q.queryScalar(ctx, fmt.Sprintf(`sum(increase(relay_runs_total{status!="completed"}[%s]))`, w))
	if err != nil {
		return nil, fmt.Errorf("query failed runs: %w", err)
	}

	stats.CostUSD, err = q.queryScalar(ctx, fmt.Sprintf(`sum(increase(relay_run_cost_usd_total[%s]))`, w))
	if err != nil {
		return nil, fmt.Errorf("query run cost: %w", err)
	}

	durationSum, err := q.queryScalar(ctx, fmt.Sprintf(`sum(increase(relay_run_duration_seconds_sum[%s]))`, w))
	if err != nil {
		return nil, fmt.Errorf("query run duration sum: %w", err)
	}
	durationCount, err := q.queryScalar(ctx, fmt.Sprintf(`sum(increase(relay_run_duration_seconds_count[%s]))`, w))
	if err != nil {
		return nil, fmt.Errorf("query run duration count: %w", err)
	}
	if durationCount > 0 {
		stats.AvgDurationSec = durationSum / durationCount
	}

	stats.GuardTimeouts, err = q.queryScalar(ctx, fmt.Sprintf(`sum(increase(relay_queue_timeouts_total[%s]))`, w))
	if err != nil {
		return nil, fmt.Errorf("query guard timeouts: %w", err)
	}

	stats.OrphansReaped, err = q.queryScalar(ctx, fmt.Sprintf(`sum(increase(relay_orphans_reaped_total[%s]))`, w))
	if err != nil {
		return nil, fmt.Errorf("query orphans reaped: %w", err)
	}

	return stats, nil
}

// GetAgentStats retrieves run counts and cost per agent type over the given
// window. Agent types with no activity in the window are absent from the map.
func (q *QueryService) GetAgentStats(ctx context.Context, window time.Duration) (map[string]*AgentStats, error) {
	w := model.Duration(window).String()

	runsByAgent, err := q.queryByLabel(ctx, fmt.Sprintf(`sum by (agent_type) (increase(relay_runs_total[%s]))`, w), "agent_type")
	if err != nil {
		return nil, fmt.Errorf("query runs by agent: %w", err)
	}

	costByAgent, err := q.queryByLabel(ctx, fmt.Sprintf(`sum by (agent_type) (increase(relay_run_cost_usd_total[%s]))`, w), "agent_type")
	if err != nil {
		return nil, fmt.Errorf("query cost by agent: %w", err)
	}

	result := make(map[string]*AgentStats)
	for agentType, runs := range runsByAgent {
		result[agentType] = &AgentStats{AgentType: agentType, Runs: runs}
	}
	for agentType, cost := range costByAgent {
		if _, ok := result[agentType]; !ok {
			result[agentType] = &AgentStats{AgentType: agentType}
		}
		result[agentType].CostUSD = cost
	}

	return result, nil
}

// queryScalar runs an instant query and returns the first sample's value, or
// zero when the query matches nothing.
func (q *QueryService) queryScalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// queryByLabel runs an instant query and returns sample values keyed by the
// given label.
func (q *QueryService) queryByLabel(ctx context.Context, query, label string) (map[string]float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric[model.LabelName(label)]; ok {
				out[string(name)] = float64(sample.Value)
			}
		}
	}
	return out, nil
}
