package model

import (
	"fmt"
	"time"
)

// BatchItemResult is the outcome of one item of a batch operation.
type BatchItemResult struct {
	ID       string         `json:"id"`
	Success  bool           `json:"success"`
	ResultID string         `json:"result_id,omitempty"`
	Error    *ErrorEnvelope `json:"error,omitempty"`
}

// BatchResult aggregates per-item results. A failed item never aborts its
// siblings.
type BatchResult struct {
	Items     []BatchItemResult `json:"items"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Summary   string            `json:"summary"`
}

// NewBatchResult counts the items and builds the summary line.
func NewBatchResult(items []BatchItemResult) BatchResult {
	res := BatchResult{Items: items}
	for _, it := range items {
		if it.Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	res.Summary = fmt.Sprintf("%d succeeded, %d failed", res.Succeeded, res.Failed)
	return res
}

// ReprocessRequest selects contracts to regenerate. Explicit ids win over
// the stuck-before selector.
type ReprocessRequest struct {
	ContractIDs []string   `json:"contract_ids,omitempty"`
	StuckBefore *time.Time `json:"stuck_before,omitempty"`
}

func fieldIndex(list string, i int, field string) string {
	return fmt.Sprintf("%s[%d].%s", list, i, field)
}
