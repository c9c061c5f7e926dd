package canonical

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// updateSet returns the DO UPDATE SET clause of an UPSERT statement.
func updateSet(t *testing.T, query string) string {
	t.Helper()
	_, set, ok := strings.Cut(query, "DO UPDATE SET")
	require.True(t, ok, "statement has no DO UPDATE SET clause")
	return set
}

func TestCashflowUpsertMarksCorrectionsSticky(t *testing.T) {
	assert.Contains(t, upsertCashflowSQL, "ON CONFLICT ON CONSTRAINT uq_event_cashflow_account_txn_action_ccy")

	// Fresh inserts are never corrections.
	assert.Contains(t, upsertCashflowSQL, "$14, false)")

	// Once set, the flag survives every later replay, and any replay that
	// restates the amount or the report date sets it.
	set := updateSet(t, upsertCashflowSQL)
	assert.Contains(t, set, "is_correction        = event_cashflow.is_correction")
	assert.Contains(t, set, "OR event_cashflow.amount IS DISTINCT FROM EXCLUDED.amount")
	assert.Contains(t, set, "OR event_cashflow.report_date_local IS DISTINCT FROM EXCLUDED.report_date_local")
	assert.NotContains(t, set, "is_correction        = EXCLUDED.is_correction")
}

func TestTradeFillUpsertPreservesEarliestRun(t *testing.T) {
	assert.Contains(t, upsertTradeFillSQL, "ON CONFLICT ON CONSTRAINT uq_event_trade_fill_account_exec")

	// Replays refresh only the economics IBKR restates after settlement; the
	// provenance columns keep the first run that saw the fill.
	set := updateSet(t, upsertTradeFillSQL)
	assert.Contains(t, set, "commission   = EXCLUDED.commission")
	assert.Contains(t, set, "realized_pnl = EXCLUDED.realized_pnl")
	assert.Contains(t, set, "net_cash     = EXCLUDED.net_cash")
	assert.Contains(t, set, "cost         = EXCLUDED.cost")
	for _, preserved := range []string{
		"ingestion_run_id",
		"source_raw_record_id",
		"trade_timestamp_utc",
		"side",
		"quantity",
		"price",
	} {
		assert.NotContains(t, set, preserved)
	}
}

func TestCorpActionUpsertKeys(t *testing.T) {
	assert.Contains(t, upsertCorpActionPrimarySQL, "ON CONFLICT ON CONSTRAINT uq_event_corp_action_account_action")
	assert.Contains(t, upsertCorpActionFallbackSQL, "ON CONFLICT ON CONSTRAINT uq_event_corp_action_fallback")

	// A collision on the fallback key cannot be resolved automatically: the
	// row is quarantined for manual review and never silently restated.
	set := updateSet(t, upsertCorpActionFallbackSQL)
	assert.Contains(t, set, "requires_manual = true")
	assert.Contains(t, set, "provisional     = true")
	assert.Contains(t, set, "manual_case_id  = COALESCE(event_corp_action.manual_case_id, EXCLUDED.manual_case_id)")
	assert.NotContains(t, set, "reorg_code")
}
