// Package ledger derives FIFO position lots and daily P&L snapshots from
// canonical events. Snapshot regeneration is deterministic: identical
// canonical inputs yield identical lots and snapshot rows.
package ledger

// SnapshotRunSummary reports one snapshot regeneration outcome
type SnapshotRunSummary struct {
	ReportDateLocal  string `json:"report_date_local"`
	InstrumentCount  int    `json:"instrument_count"`
	SnapshotCount    int    `json:"snapshot_count"`
	ProvisionalCount int    `json:"provisional_count"`
}
