package threed

import (
	"math"
	"strings"
)

// StatusMap translates a vendor status vocabulary into canonical statuses.
type StatusMap struct {
	table    map[string]Status
	foldCase bool
}

// NewStatusMap builds a map. With foldCase, lookups ignore letter case.
func NewStatusMap(foldCase bool, table map[string]Status) StatusMap {
	m := StatusMap{table: make(map[string]Status, len(table)), foldCase: foldCase}
	for k, v := range table {
		if foldCase {
			k = strings.ToLower(k)
		}
		m.table[k] = v
	}
	return m
}

// Canonical maps a vendor status. Unknown or empty strings map to pending, never
// to a terminal state.
func (m StatusMap) Canonical(vendor string) Status {
	key := strings.TrimSpace(vendor)
	if m.foldCase {
		key = strings.ToLower(key)
	}
	if s, ok := m.table[key]; ok {
		return s
	}
	return StatusPending
}

var (
	tripoStatuses = NewStatusMap(false, map[string]Status{
		"queued":    StatusPending,
		"running":   StatusProcessing,
		"success":   StatusCompleted,
		"failed":    StatusFailed,
		"cancelled": StatusFailed,
		"banned":    StatusFailed,
		"expired":   StatusFailed,
	})

	meshyStatuses = NewStatusMap(false, map[string]Status{
		"PENDING":     StatusPending,
		"IN_PROGRESS": StatusProcessing,
		"SUCCEEDED":   StatusCompleted,
		"FAILED":      StatusFailed,
		"EXPIRED":     StatusFailed,
		"CANCELED":    StatusFailed,
	})

	makerGridStatuses = NewStatusMap(true, map[string]Status{
		"pending":    StatusPending,
		"queued":     StatusPending,
		"processing": StatusProcessing,
		"running":    StatusProcessing,
		"completed":  StatusCompleted,
		"success":    StatusCompleted,
		"done":       StatusCompleted,
		"failed":     StatusFailed,
		"error":      StatusFailed,
	})
)

// ClampProgress bounds a percentage to [0,100]. NaN becomes 0.
func ClampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// FractionToPercent converts a 0–1 fraction into a clamped percentage.
func FractionToPercent(f float64) float64 {
	return ClampProgress(f * 100)
}
