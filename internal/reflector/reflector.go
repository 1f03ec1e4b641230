// Package reflector implements spec.md §4.8's Reflector: a looping actor
// that periodically proposes structured memories from recent chat activity
// via an LLM extraction prompt, gates proposals through MemoryQuality, and
// resolves duplicates/contradictions against what Store already holds.
// Grounded on internal/memory/extraction.go's ExtractionService (buffer →
// LLM-extraction → write-tier pipeline shape, ticker-driven flush), adapted
// from its global quiet-gap buffer to spec.md's per-chat single-flight tick
// and from free-form LLM fact extraction to MemoryQuality-gated
// Score/Dedup/contradiction resolution against Store.
package reflector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rayclaw/rayclaw/internal/llmclient"
	"github.com/rayclaw/rayclaw/internal/memquality"
	"github.com/rayclaw/rayclaw/internal/store"
)

const defaultTickPeriod = 5 * time.Minute

// negationMarkers is the crude polarity signal contradiction detection
// uses: a dedup match whose negation status differs from the proposal's is
// treated as superseding rather than reinforcing, per spec.md §4.8's
// contradiction-handling requirement (no finer semantic check is wired by
// default — see DESIGN.md).
var negationMarkers = []string{"not ", "no longer", "stopped", "doesn't", "don't", "never", "isn't", "isn't my", "不再", "不是"}

// Service is the periodic reflection actor.
type Service struct {
	store      *store.Store
	llm        llmclient.Client
	tickPeriod time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	chatLocks map[int64]*sync.Mutex
	cursors   map[int64]string // last-reflected timestamp per chat, in-memory
}

func New(s *store.Store, llm llmclient.Client, tickPeriod time.Duration, logger *slog.Logger) *Service {
	if tickPeriod <= 0 {
		tickPeriod = defaultTickPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		llm:        llm,
		tickPeriod: tickPeriod,
		logger:     logger,
		chatLocks:  make(map[int64]*sync.Mutex),
		cursors:    make(map[int64]string),
	}
}

func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	since := time.Now().Add(-s.tickPeriod * 2).UTC().Format(time.RFC3339Nano)
	chats, err := s.store.ChatsWithActivitySince(since)
	if err != nil {
		s.logger.Error("reflector: list active chats", "error", err)
		return
	}
	for _, chat := range chats {
		if ctx.Err() != nil {
			return
		}
		s.reflectChat(ctx, chat.InternalChatID)
	}
}

// reflectChat runs one chat's reflection pass, skipping it entirely if a
// prior pass for the same chat is still in flight — single-flight per chat,
// per spec.md §4.8.
func (s *Service) reflectChat(ctx context.Context, chatID int64) {
	lock := s.lockFor(chatID)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	s.mu.Lock()
	cursor := s.cursors[chatID]
	s.mu.Unlock()

	rows, err := s.store.NewUserMessagesSince(chatID, cursor)
	if err != nil {
		s.logger.Error("reflector: fetch new messages", "chat", chatID, "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	proposals, err := s.extract(ctx, rows)
	if err != nil {
		s.logger.Error("reflector: extraction failed", "chat", chatID, "error", err)
		return
	}

	run := store.ReflectorRun{InternalChatID: chatID}
	for _, p := range proposals {
		s.applyProposal(chatID, p, &run)
	}
	if err := s.store.RecordReflectorRun(run); err != nil {
		s.logger.Error("reflector: record run", "chat", chatID, "error", err)
	}

	s.mu.Lock()
	s.cursors[chatID] = rows[len(rows)-1].Timestamp
	s.mu.Unlock()
}

func (s *Service) lockFor(chatID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.chatLocks[chatID]
	if !ok {
		lk = &sync.Mutex{}
		s.chatLocks[chatID] = lk
	}
	return lk
}

// proposal is one candidate memory the extraction prompt surfaced.
type proposal struct {
	Category   string  `json:"category"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

const extractionSystemPrompt = `You review a conversation transcript and propose durable facts worth remembering about the user or chat: preferences, ongoing projects, recurring constraints. Ignore small talk and one-off requests. Respond with a JSON array of objects, each {"category": string, "content": string, "confidence": number between 0 and 1}. Respond with [] if nothing is worth remembering.`

func (s *Service) extract(ctx context.Context, rows []store.Message) ([]proposal, error) {
	var sb strings.Builder
	for _, m := range rows {
		var blocks []llmclient.ContentBlock
		if err := json.Unmarshal([]byte(m.ContentBlocks), &blocks); err != nil {
			continue
		}
		for _, b := range blocks {
			if b.Type == llmclient.BlockText && b.Text != "" {
				sb.WriteString(string(m.Role))
				sb.WriteString(": ")
				sb.WriteString(b.Text)
				sb.WriteString("\n")
			}
		}
	}
	conversation := strings.TrimSpace(sb.String())
	if conversation == "" {
		return nil, nil
	}

	resp, err := s.llm.Complete(ctx, llmclient.Request{
		System: extractionSystemPrompt,
		Messages: []llmclient.Message{
			{Role: llmclient.RoleUser, Content: []llmclient.ContentBlock{{Type: llmclient.BlockText, Text: conversation}}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extraction completion: %w", err)
	}

	var text strings.Builder
	for _, b := range resp.Blocks {
		if b.Type == llmclient.BlockText {
			text.WriteString(b.Text)
		}
	}
	raw := strings.TrimSpace(text.String())
	if raw == "" {
		return nil, nil
	}

	var proposals []proposal
	if err := json.Unmarshal([]byte(raw), &proposals); err != nil {
		return nil, fmt.Errorf("decode extraction proposals: %w", err)
	}
	return proposals, nil
}

// applyProposal gates one proposal through MemoryQuality.Score, then
// resolves it against existing memories via Dedup — updating confidence on
// reinforcement, superseding on contradiction, or inserting fresh.
func (s *Service) applyProposal(chatID int64, p proposal, run *store.ReflectorRun) {
	quality := memquality.Score(p.Content)
	if quality == memquality.QualityReject || quality == memquality.QualityLow {
		run.Skipped++
		return
	}

	confidence := p.Confidence
	if confidence <= 0 {
		confidence = 0.6
	}
	if confidence > 1 {
		confidence = 1
	}

	// FTS5 ANDs bare terms, so quote each token and OR them: Dedup's Jaccard
	// pass, not the pre-filter, decides what counts as a match.
	terms := strings.FieldsFunc(p.Content, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsPunct(r) })
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+t+`"`)
	}
	existingRows, err := s.store.SearchMemoriesFTS(store.MemoryChat, chatID, strings.Join(quoted, " OR "), 10)
	if err != nil {
		s.logger.Error("reflector: search existing memories", "chat", chatID, "error", err)
		existingRows = nil
	}
	candidates := memquality.CandidatesFromFTS(existingRows)
	matchID, matched := memquality.Dedup(p.Content, candidates)

	if !matched {
		if _, err := s.store.InsertMemory(store.Memory{
			Scope: store.MemoryChat, InternalChatID: chatID, Category: p.Category,
			Content: p.Content, Confidence: confidence, Source: store.SourceReflector,
		}); err != nil {
			s.logger.Error("reflector: insert memory", "chat", chatID, "error", err)
			return
		}
		run.Inserted++
		return
	}

	var matchedContent string
	for _, e := range existingRows {
		if e.ID == matchID {
			matchedContent = e.Content
			break
		}
	}

	if isContradiction(p.Content, matchedContent) {
		newID, err := s.store.InsertMemory(store.Memory{
			Scope: store.MemoryChat, InternalChatID: chatID, Category: p.Category,
			Content: p.Content, Confidence: confidence, Source: store.SourceReflector,
		})
		if err != nil {
			s.logger.Error("reflector: insert superseding memory", "chat", chatID, "error", err)
			return
		}
		if err := s.store.Supersede(newID, matchID); err != nil {
			s.logger.Error("reflector: record supersede edge", "chat", chatID, "error", err)
			return
		}
		run.Superseded++
		return
	}

	existing, err := s.store.GetMemory(matchID)
	if err != nil || existing == nil {
		s.logger.Error("reflector: load matched memory", "chat", chatID, "error", err)
		return
	}
	boosted := existing.Confidence + 0.1
	if boosted > 1 {
		boosted = 1
	}
	if err := s.store.UpdateMemoryConfidenceAndLastSeen(matchID, boosted, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Error("reflector: update memory confidence", "chat", chatID, "error", err)
		return
	}
	run.Updated++
}

func isContradiction(newContent, oldContent string) bool {
	return hasNegation(newContent) != hasNegation(oldContent)
}

func hasNegation(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range negationMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
