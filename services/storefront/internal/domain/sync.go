package domain

import "errors"

// ErrReconciliationFailed wraps the cause of a failed guest cart merge.
var ErrReconciliationFailed = errors.New("reconciliation failed")

// SyncOutcome is the result of one reconciliation attempt.
type SyncOutcome struct {
	MigratedCount int    `json:"migrated_count"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
}
