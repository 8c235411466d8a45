package coordinator

import (
	"encoding/json"
	"time"

	"github.com/swiftgrid/controlplane/common/models"
)

// MapItemError surfaces one failed item in the map node's output.
type MapItemError struct {
	Index      int    `json:"index"`
	Error      string `json:"error"`
	ChildRunID string `json:"child_run_id,omitempty"`
}

// MapOutput is the aggregated result of a settled batch. Results hold one
// slot per recorded item, ordered by index, null for failures.
type MapOutput struct {
	Results []json.RawMessage `json:"results"`
	Errors  []MapItemError    `json:"errors"`
	Stats   models.BatchStats `json:"stats"`
	RouteTo string            `json:"route_to,omitempty"`
}

// BuildMapOutput folds recorded item results into the map node's single
// output. The second return reports whether the node should leave through
// its error handle: every item failed, or fail-fast tripped.
func BuildMapOutput(b *models.BatchOperation, results []*models.BatchResult, finishedAt time.Time) (*MapOutput, bool) {
	out := &MapOutput{
		Results: make([]json.RawMessage, 0, len(results)),
		Errors:  []MapItemError{},
	}

	var latencySum int64
	var latencyCount int
	for _, r := range results {
		if r.Success && len(r.Output) > 0 {
			out.Results = append(out.Results, r.Output)
		} else {
			out.Results = append(out.Results, json.RawMessage("null"))
		}
		if !r.Success {
			e := MapItemError{Index: r.ItemIndex}
			if r.Error != nil {
				e.Error = *r.Error
			}
			if r.ChildRunID != nil {
				e.ChildRunID = r.ChildRunID.String()
			}
			out.Errors = append(out.Errors, e)
		}
		if r.DurationMs != nil {
			latencySum += *r.DurationMs
			latencyCount++
		}
	}

	duration := finishedAt.Sub(b.StartedAt)
	if duration < 0 {
		duration = 0
	}
	settled := b.CompletedCount + b.FailedCount

	stats := models.BatchStats{
		Total:           b.TotalItems,
		Completed:       b.CompletedCount,
		Failed:          b.FailedCount,
		DurationMs:      duration.Milliseconds(),
		DurationSecs:    duration.Seconds(),
		ConcurrencyUsed: b.ConcurrencyLimit,
	}
	if secs := duration.Seconds(); secs > 0 {
		stats.ItemsPerSec = float64(settled) / secs
	}
	if latencyCount > 0 {
		stats.AvgLatencyMs = float64(latencySum) / float64(latencyCount)
	}
	out.Stats = stats

	allFailed := b.TotalItems > 0 && b.FailedCount >= b.TotalItems
	failFastTripped := b.FailFast && b.FailedCount > 0
	if allFailed || failFastTripped {
		out.RouteTo = "error"
		return out, true
	}
	return out, false
}

// emptyMapOutput is the immediate success result for a map over no items.
func emptyMapOutput() *MapOutput {
	return &MapOutput{
		Results: []json.RawMessage{},
		Errors:  []MapItemError{},
	}
}
