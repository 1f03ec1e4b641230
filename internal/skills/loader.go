// Package skills implements spec.md §4.10's SkillsIndex: scan a directory
// of SKILL.md descriptors, filter out ones whose declared platform or
// external-command dependencies aren't satisfied by the host, and expose a
// catalogue (name+description, for SystemPrompt) plus on-demand body
// activation (for an activate_skill tool). Grounded on
// internal/skills/loader.go's SKILL.md-scanning shape (YAML frontmatter +
// markdown body), generalized from the teacher's agentsdk-go
// keyword-matcher registration to spec.md's platforms?/deps? gating.
package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rayclaw/rayclaw/internal/toolregistry"
)

const skillFileName = "SKILL.md"

var errInvalidSkillYAML = errors.New("invalid skill YAML frontmatter")

// Skill is one loaded, host-eligible skill descriptor.
type Skill struct {
	Name        string
	Description string
	Platforms   []string // empty means "all platforms"
	Deps        []string // external commands required on PATH
	Body        string
	SourcePath  string
}

type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Platforms   []string `yaml:"platforms"`
	Deps        []string `yaml:"deps"`
}

// Index is the loaded, host-filtered set of skills, keyed by name.
type Index struct {
	skills map[string]Skill
	order  []string
}

// LoadIndex scans skillDir for SKILL.md descriptors, filtering out any
// whose platforms don't list runtime.GOOS or whose deps aren't on PATH.
func LoadIndex(skillDir string) (*Index, error) {
	skillDir = strings.TrimSpace(skillDir)
	if skillDir == "" {
		return &Index{skills: map[string]Skill{}}, nil
	}

	info, err := os.Stat(skillDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Index{skills: map[string]Skill{}}, nil
		}
		return nil, fmt.Errorf("stat skills dir %q: %w", skillDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skills path is not a directory: %s", skillDir)
	}

	entries, err := os.ReadDir(skillDir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir %q: %w", skillDir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	idx := &Index{skills: make(map[string]Skill, len(entries))}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillPath := filepath.Join(skillDir, entry.Name(), skillFileName)
		sk, skip, err := parseSkillFile(skillPath)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if !eligible(sk) {
			continue
		}
		if prev, exists := idx.skills[sk.Name]; exists {
			return nil, fmt.Errorf("duplicate skill name %q in %s (already in %s)", sk.Name, skillPath, prev.SourcePath)
		}
		idx.skills[sk.Name] = sk
		idx.order = append(idx.order, sk.Name)
	}
	return idx, nil
}

// eligible reports whether a skill's declared platform and dependency
// constraints are satisfied by the current host.
func eligible(sk Skill) bool {
	if len(sk.Platforms) > 0 {
		match := false
		for _, p := range sk.Platforms {
			if strings.EqualFold(p, runtime.GOOS) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	for _, dep := range sk.Deps {
		if _, err := exec.LookPath(dep); err != nil {
			return false
		}
	}
	return true
}

func parseSkillFile(path string) (Skill, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Skill{}, true, nil
		}
		return Skill{}, false, fmt.Errorf("read skill %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidSkillYAML) {
			log.Printf("[skills] warning: skip invalid YAML skill %s: %v", path, err)
			return Skill{}, true, nil
		}
		return Skill{}, false, fmt.Errorf("parse skill %q: %w", path, err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Skill{}, false, fmt.Errorf("parse skill %q: missing name", path)
	}

	return Skill{
		Name:        strings.TrimSpace(meta.Name),
		Description: strings.TrimSpace(meta.Description),
		Platforms:   sanitizeList(meta.Platforms),
		Deps:        sanitizeList(meta.Deps),
		Body:        strings.TrimSpace(body),
		SourcePath:  path,
	}, false, nil
}

func parseFrontmatter(content []byte) (skillFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\ufeff")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return skillFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return skillFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	frontmatter := strings.Join(lines[1:end], "\n")
	body := strings.Join(lines[end+1:], "\n")

	var meta skillFrontmatter
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return skillFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidSkillYAML, err)
	}
	return meta, body, nil
}

func sanitizeList(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		trimmed := strings.TrimSpace(it)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// Catalogue returns name+description pairs for every eligible skill, in
// load order — the projection SystemPrompt's skills block composes from.
func (idx *Index) Catalogue() []Skill {
	out := make([]Skill, 0, len(idx.order))
	for _, name := range idx.order {
		sk := idx.skills[name]
		out = append(out, Skill{Name: sk.Name, Description: sk.Description})
	}
	return out
}

// Activate returns a skill's full body, for the activate_skill tool.
func (idx *Index) Activate(name string) (string, bool) {
	sk, ok := idx.skills[name]
	if !ok {
		return "", false
	}
	return sk.Body, true
}

var activateSkillSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {
			"type": "string",
			"description": "The skill name from the available-skills list, with no arguments"
		}
	},
	"required": ["name"]
}`)

// Tool builds the activate_skill ToolRegistry entry spec.md §4.10 names:
// the single on-demand hook AgentLoop uses to expand a catalogued skill's
// body into the conversation. Grounded on agentsdk-go's
// pkg/tool/builtin/skill.go SkillTool, generalized from its keyword-routed
// registry lookup to Index.Activate.
func (idx *Index) Tool() toolregistry.Tool {
	return toolregistry.Tool{
		Name:        "activate_skill",
		Description: "Load the full instructions for a named skill from the available-skills list.",
		Schema:      activateSkillSchema,
		Risk:        toolregistry.RiskLow,
		Handler: func(ctx context.Context, ec toolregistry.ExecContext, args json.RawMessage) (toolregistry.Outcome, error) {
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return toolregistry.Err(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			body, ok := idx.Activate(strings.TrimSpace(in.Name))
			if !ok {
				return toolregistry.Err(fmt.Sprintf("no such skill: %s", in.Name)), nil
			}
			return toolregistry.Ok(body), nil
		},
	}
}
