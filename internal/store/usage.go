package store

import "fmt"

// UsageRecord is spec.md §3's per-call token/cost/wall-time record.
type UsageRecord struct {
	ID             int64
	InternalChatID int64
	Model          string
	InputTokens    int
	OutputTokens   int
	CostEstimate   float64
	WallMs         int64
	CreatedAt      string
}

func (s *Store) RecordUsage(u UsageRecord) error {
	return s.withWrite(func() error {
		_, err := s.db.Exec(
			`INSERT INTO usage_records (internal_chat_id, model, input_tokens, output_tokens, cost_estimate, wall_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.InternalChatID, u.Model, u.InputTokens, u.OutputTokens, u.CostEstimate, u.WallMs, nowISO(),
		)
		return wrapExecErr("record usage", err)
	})
}

// UsageTotals aggregates token counts and estimated cost for a chat (or all
// chats, when internalChatID is 0), backing the Usage component.
type UsageTotals struct {
	InputTokens  int64
	OutputTokens int64
	CostEstimate float64
	Calls        int64
}

func (s *Store) UsageTotalsForChat(internalChatID int64) (UsageTotals, error) {
	var t UsageTotals
	var row = s.db.QueryRow(
		`SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_estimate),0), COUNT(1)
		 FROM usage_records WHERE internal_chat_id = ?`, internalChatID,
	)
	if err := row.Scan(&t.InputTokens, &t.OutputTokens, &t.CostEstimate, &t.Calls); err != nil {
		return t, fmt.Errorf("usage totals for chat: %w", err)
	}
	return t, nil
}

func (s *Store) UsageTotalsAll() (UsageTotals, error) {
	var t UsageTotals
	row := s.db.QueryRow(
		`SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_estimate),0), COUNT(1)
		 FROM usage_records`,
	)
	if err := row.Scan(&t.InputTokens, &t.OutputTokens, &t.CostEstimate, &t.Calls); err != nil {
		return t, fmt.Errorf("usage totals: %w", err)
	}
	return t, nil
}
