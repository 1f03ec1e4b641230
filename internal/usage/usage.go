// Package usage implements spec.md §6's usage/cost surface: a thin
// aggregator over Store's per-call token records plus the model price
// table referenced by the configuration surface. Grounded on
// cmd/myclaw/main.go's cost-reporting command, generalized from a single
// hardcoded model to a price-table lookup.
package usage

import (
	"fmt"

	"github.com/rayclaw/rayclaw/internal/store"
)

// Price is one model's per-token cost, in the same currency unit the
// caller's configuration uses throughout (spec.md leaves the unit to the
// deployment).
type Price struct {
	InputPerToken  float64
	OutputPerToken float64
}

// PriceTable maps model name to its Price, per spec.md §6's "model price
// table" configuration entry.
type PriceTable map[string]Price

// Estimate returns the cost of inputTokens/outputTokens at model's listed
// price, or 0 if model has no entry — an unpriced model is tracked for
// token counts but contributes nothing to cost totals.
func (t PriceTable) Estimate(model string, inputTokens, outputTokens int) float64 {
	p, ok := t[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)*p.InputPerToken + float64(outputTokens)*p.OutputPerToken
}

// Reporter answers usage queries backed by Store.
type Reporter struct {
	store  *store.Store
	prices PriceTable
}

func New(s *store.Store, prices PriceTable) *Reporter {
	if prices == nil {
		prices = PriceTable{}
	}
	return &Reporter{store: s, prices: prices}
}

// RecordCall persists one LLM call's usage with cost estimated from the
// configured price table, wrapping Store.RecordUsage so its caller
// (AgentLoop) never computes cost itself.
func (r *Reporter) RecordCall(internalChatID int64, model string, inputTokens, outputTokens int, wallMs int64) error {
	cost := r.prices.Estimate(model, inputTokens, outputTokens)
	return r.store.RecordUsage(store.UsageRecord{
		InternalChatID: internalChatID,
		Model:          model,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		CostEstimate:   cost,
		WallMs:         wallMs,
	})
}

// ForChat reports totals for one chat.
func (r *Reporter) ForChat(internalChatID int64) (store.UsageTotals, error) {
	return r.store.UsageTotalsForChat(internalChatID)
}

// All reports totals across every chat.
func (r *Reporter) All() (store.UsageTotals, error) {
	return r.store.UsageTotalsAll()
}

// Summary renders a one-line human-readable totals string, grounded on
// cmd/myclaw/main.go's status command output.
func Summary(t store.UsageTotals) string {
	return fmt.Sprintf("%d calls, %d input tokens, %d output tokens, cost ~%.4f",
		t.Calls, t.InputTokens, t.OutputTokens, t.CostEstimate)
}
