package store

import "strings"

// ReflectorRun is one per-tick counter row from spec.md §4.8.
type ReflectorRun struct {
	InternalChatID int64
	Inserted       int
	Updated        int
	Skipped        int
	Superseded     int
}

func (s *Store) RecordReflectorRun(r ReflectorRun) error {
	return s.withWrite(func() error {
		_, err := s.db.Exec(
			`INSERT INTO memory_reflector_runs (internal_chat_id, inserted, updated, skipped, superseded, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.InternalChatID, r.Inserted, r.Updated, r.Skipped, r.Superseded, nowISO(),
		)
		return wrapExecErr("record reflector run", err)
	})
}

// RecordMemoryInjection logs an injection decision: how many candidates
// were considered vs. how many were actually packed into the prompt,
// per spec.md §4.6.
func (s *Store) RecordMemoryInjection(internalChatID int64, candidateCount, selectedCount int, selectedIDs []string) error {
	return s.withWrite(func() error {
		_, err := s.db.Exec(
			`INSERT INTO memory_injection_logs (internal_chat_id, candidate_count, selected_count, selected_ids, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			internalChatID, candidateCount, selectedCount, strings.Join(selectedIDs, ","), nowISO(),
		)
		return wrapExecErr("record memory injection", err)
	})
}
