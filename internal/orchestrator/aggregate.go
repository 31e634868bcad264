package orchestrator

import (
	"time"

	"tachikoma/internal/task"
)

// Aggregation strategy names accepted by config.
const (
	AggregateMerge      = "merge"
	AggregateSelectBest = "select-best"
)

// aggregate folds per-subtask outcomes into one result. order fixes the
// iteration order of the merged output.
func (o *Orchestrator) aggregate(state *executionState, order []string) task.AggregatedResult {
	state.mu.Lock()
	completed := make(map[string]*task.Result, len(state.completed))
	for id, r := range state.completed {
		completed[id] = r
	}
	failedCount := len(state.failed)
	start := state.startTime
	state.mu.Unlock()
	tokens, retries := state.counters()

	s, f, total := len(completed), failedCount, len(order)
	out := task.AggregatedResult{
		Results:      make(map[string]*task.Result, len(completed)),
		SuccessCount: s,
		FailureCount: f,
		Metadata: task.AggregateMetadata{
			TotalDuration: time.Since(start),
			TotalTokens:   tokens,
			TotalRetries:  retries,
		},
	}
	for id, r := range completed {
		out.Results[id] = r
	}

	switch {
	case f == 0 && s == total && total > 0:
		out.Status = task.StatusSuccess
	case s == 0:
		out.Status = task.StatusFailure
	case o.cfg.AllowPartialSuccess && float64(s)/float64(total) >= o.cfg.PartialSuccessThreshold:
		out.Status = task.StatusPartial
	default:
		out.Status = task.StatusFailure
	}

	switch o.cfg.AggregationStrategy {
	case AggregateSelectBest:
		for _, id := range order {
			if r, ok := completed[id]; ok && r.Status == task.StatusSuccess {
				out.Output = r.Output
				break
			}
		}
	default: // merge
		merged := make([]any, 0, len(completed))
		for _, id := range order {
			if r, ok := completed[id]; ok {
				merged = append(merged, r.Output)
			}
		}
		out.Output = merged
	}

	return out
}
