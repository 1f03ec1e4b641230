// Package systemprompt implements spec.md §4.6's SystemPrompt component:
// deterministic composition of identity, capabilities, an injected memory
// bundle, and a skills index. Grounded on cmd/myclaw/main.go's
// buildSystemPrompt concatenation order (AGENTS.md + SOUL.md + memory
// context), generalized to the spec's four-part composition and memory
// ranking formula.
package systemprompt

import (
	"sort"
	"strings"

	"github.com/rayclaw/rayclaw/internal/store"
	"github.com/rayclaw/rayclaw/internal/toolregistry"
)

// Skill is the SystemPrompt-facing projection of a SkillsIndex entry.
type Skill struct {
	Name        string
	Description string
}

// Deps bundles everything composition needs, read-only from SystemPrompt's
// perspective.
type Deps struct {
	Store       *store.Store
	Tools       *toolregistry.Registry
	Skills      []Skill
	Soul        string // identity block; caller resolves any per-chat override
	TokenBudget int    // memory_token_budget
}

// roughTokens approximates token count the way spec.md's budget packing
// expects — a coarse word-count heuristic is sufficient since the exact
// tokenizer is provider-specific and SystemPrompt only needs a greedy
// stopping rule, not exact accounting.
func roughTokens(s string) int {
	return len(strings.Fields(s))
}

// Compose builds the full system prompt for one turn, per spec.md §4.6's
// four-part recipe. userTurn is the current user message, used for
// keyword-overlap ranking of candidate memories. It logs the injection
// decision to memory_injection_logs.
func Compose(d Deps, internalChatID int64, userTurn string) (string, error) {
	var sb strings.Builder

	writeSection(&sb, d.Soul)
	writeSection(&sb, capabilitiesBlock(d.Tools))

	memoryBlock, injectedIDs, candidateCount, err := composeMemoryBundle(d, internalChatID, userTurn)
	if err != nil {
		return "", err
	}
	writeSection(&sb, memoryBlock)
	writeSection(&sb, skillsBlock(d.Skills))

	if d.Store != nil {
		if err := d.Store.RecordMemoryInjection(internalChatID, candidateCount, len(injectedIDs), injectedIDs); err != nil {
			return "", err
		}
	}

	return strings.TrimRight(sb.String(), "\n"), nil
}

func writeSection(sb *strings.Builder, s string) {
	if strings.TrimSpace(s) == "" {
		return
	}
	sb.WriteString(s)
	sb.WriteString("\n\n")
}

func capabilitiesBlock(tools *toolregistry.Registry) string {
	if tools == nil {
		return ""
	}
	defs := tools.Definitions()
	if len(defs) == 0 {
		return ""
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	var sb strings.Builder
	sb.WriteString("## Capabilities\n")
	for _, t := range defs {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		if t.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(t.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func skillsBlock(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Skills\n")
	for _, s := range skills {
		sb.WriteString("- ")
		sb.WriteString(s.Name)
		if s.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(s.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

type rankedMemory struct {
	mem   store.Memory
	score float64
}

// composeMemoryBundle ranks candidates by confidence × recency ×
// keyword-overlap (no embedding provider configured by default, per
// DESIGN.md) and packs greedily under d.TokenBudget.
func composeMemoryBundle(d Deps, internalChatID int64, userTurn string) (string, []string, int, error) {
	if d.Store == nil {
		return "", nil, 0, nil
	}
	candidates, err := d.Store.ActiveMemoriesForInjection(internalChatID)
	if err != nil {
		return "", nil, 0, err
	}
	if len(candidates) == 0 {
		return "", nil, 0, nil
	}

	turnTokens := tokenSet(userTurn)
	ranked := make([]rankedMemory, 0, len(candidates))
	for _, m := range candidates {
		ranked = append(ranked, rankedMemory{mem: m, score: m.Confidence * recencyWeight(m.LastSeen) * keywordOverlap(turnTokens, m.Content)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	budget := d.TokenBudget
	if budget <= 0 {
		budget = 512
	}

	var sb strings.Builder
	sb.WriteString("## Memory\n")
	used := roughTokens(sb.String())
	var ids []string
	for _, r := range ranked {
		line := "- " + r.mem.Content + "\n"
		cost := roughTokens(line)
		if used+cost > budget {
			continue
		}
		sb.WriteString(line)
		used += cost
		ids = append(ids, r.mem.ID)
	}

	if len(ids) == 0 {
		return "", nil, len(candidates), nil
	}
	return sb.String(), ids, len(candidates), nil
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		out[f] = struct{}{}
	}
	return out
}

func keywordOverlap(turnTokens map[string]struct{}, content string) float64 {
	if len(turnTokens) == 0 {
		return 1 // no current-turn signal to rank against; treat as neutral
	}
	contentTokens := tokenSet(content)
	if len(contentTokens) == 0 {
		return 0
	}
	overlap := 0
	for t := range contentTokens {
		if _, ok := turnTokens[t]; ok {
			overlap++
		}
	}
	score := float64(overlap) / float64(len(contentTokens))
	if score == 0 {
		return 0.1 // never fully zero out a memory on keyword mismatch alone
	}
	return score
}

// recencyWeight gives a memory with no last_seen half weight (0.5) and
// every other memory full weight (1.0); it does not decay with the age of
// last_seen.
func recencyWeight(lastSeen string) float64 {
	if lastSeen == "" {
		return 0.5
	}
	return 1.0
}
