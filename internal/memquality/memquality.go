// Package memquality implements spec.md §4.3's MemoryQuality component:
// three pure functions — ParseExplicit, Score, Dedup — that gate what ever
// becomes a structured Memory row. Grounded on the teacher's
// internal/memory/types.go FactEntry/importance shape and
// internal/memory/engine.go's FTS5 search, adapted to Go-native pure
// functions instead of the teacher's LLM-extraction pipeline.
package memquality

import (
	"strings"
	"unicode"

	"github.com/rayclaw/rayclaw/internal/store"
)

// ExplicitMemory is what ParseExplicit recognizes out of a raw user
// message: an instruction to remember something specific.
type ExplicitMemory struct {
	Scope    store.MemoryScope
	Category string
	Content  string
}

// explicitPrefixes recognizes "remember"-intent phrasings in English and
// Chinese, per spec.md §4.3's "at least two natural languages."
var explicitPrefixes = []string{
	"remember that ",
	"remember ",
	"please remember ",
	"记住",
	"记得",
}

// ParseExplicit recognizes an explicit "remember this" instruction in msg.
// It returns ok=false when no such intent is present. Category defaults to
// "fact"; callers may recategorize based on downstream heuristics.
func ParseExplicit(msg string) (ExplicitMemory, bool) {
	trimmed := strings.TrimSpace(msg)
	lower := strings.ToLower(trimmed)

	for _, prefix := range explicitPrefixes {
		lowerPrefix := strings.ToLower(prefix)
		if strings.HasPrefix(lower, lowerPrefix) {
			content := strings.TrimSpace(trimmed[len(prefix):])
			if content == "" {
				continue
			}
			return ExplicitMemory{Scope: store.MemoryChat, Category: "fact", Content: content}, true
		}
	}
	return ExplicitMemory{}, false
}

// Quality is Score's verdict on a proposed memory's content.
type Quality string

const (
	QualityReject Quality = "reject"
	QualityLow    Quality = "low"
	QualityNormal Quality = "normal"
	QualityHigh   Quality = "high"
)

// selfReferentialMetaChat is the documented ruleset for content that looks
// like acknowledgement noise rather than a fact worth remembering, per
// spec.md §9's Open Question on ruleset design (resolution recorded in
// DESIGN.md).
var selfReferentialMetaChat = map[string]bool{
	"ok": true, "okay": true, "thanks": true, "thank you": true,
	"got it": true, "sure": true, "alright": true, "cool": true,
	"好的": true, "谢谢": true, "知道了": true,
}

// Score rejects noisy, self-referential, or too-short content and ranks
// the rest by how much of a durable fact it looks like.
func Score(content string) Quality {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return QualityReject
	}
	lower := strings.ToLower(trimmed)
	if selfReferentialMetaChat[lower] {
		return QualityReject
	}

	tokens := tokenize(trimmed)
	if len(tokens) < 3 {
		return QualityReject
	}

	hasDurableSignal := containsAny(lower, []string{"prefer", "always", "never", "is my", "i am", "i'm", "我是", "我喜欢"})
	hasTimeBoundSignal := containsAny(lower, []string{"today", "tomorrow", "right now", "this week", "今天", "明天"})

	switch {
	case hasTimeBoundSignal && !hasDurableSignal:
		return QualityLow
	case hasDurableSignal:
		return QualityHigh
	case len(tokens) >= 6:
		return QualityNormal
	default:
		return QualityLow
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

// DedupCandidate is one existing memory Dedup compares content against.
type DedupCandidate struct {
	ID       string
	Content  string
	LastSeen string
}

const jaccardThreshold = 0.6

// Dedup finds the best existing match for candidate among existing by
// Jaccard similarity over tokenized content, tie-broken by highest
// last_seen. It returns ok=false when no candidate clears the threshold.
// Per spec.md §4.3, an embedding-cosine path is preferred when an
// embedding provider is configured; none is wired by default (see
// DESIGN.md), so Jaccard is the only path implemented here.
func Dedup(candidate string, existing []DedupCandidate) (string, bool) {
	candidateTokens := tokenSet(candidate)
	if len(candidateTokens) == 0 {
		return "", false
	}

	var bestID string
	var bestScore float64
	var bestLastSeen string
	for _, e := range existing {
		score := jaccard(candidateTokens, tokenSet(e.Content))
		if score < jaccardThreshold {
			continue
		}
		if score > bestScore || (score == bestScore && e.LastSeen > bestLastSeen) {
			bestID = e.ID
			bestScore = score
			bestLastSeen = e.LastSeen
		}
	}
	if bestID == "" {
		return "", false
	}
	return bestID, true
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range tokenize(strings.ToLower(s)) {
		out[t] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// CandidatesFromFTS converts a Store FTS pre-filter result into
// DedupCandidates, the glue between Store.SearchMemoriesFTS's cheap
// bm25-ranked pre-filter and Dedup's exact Jaccard pass, grounded on
// internal/memory/engine.go's Engine.SearchFTS.
func CandidatesFromFTS(memories []store.Memory) []DedupCandidate {
	out := make([]DedupCandidate, 0, len(memories))
	for _, m := range memories {
		out = append(out, DedupCandidate{ID: m.ID, Content: m.Content, LastSeen: m.LastSeen})
	}
	return out
}
