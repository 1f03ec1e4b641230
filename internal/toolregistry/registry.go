// Package toolregistry implements spec.md §4.4's ToolRegistry: a mapping
// from tool name to a Tool descriptor, dispatched with JSON-Schema
// argument validation and authorization checks. Grounded on the nil-safe
// Execute pattern in dmorn-m4d-coso's sdk/agent/registry.go and its
// sdk/llm/validation.go jsonschema compilation, with authorization added
// per original_source/tests/tool_permissions.rs.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rayclaw/rayclaw/internal/rayerr"
)

// Risk classifies how dangerous a tool's side effects are, per spec.md
// §4.4. High-risk tools consult the risk gate.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Capability flags a tool's side-effect category, used to build
// sub-registry views that exclude tools of a given shape (outbound
// messaging, memory writes, scheduling, sub-agent spawning).
type Capability string

const (
	CapSendMessage Capability = "send_message"
	CapWriteMemory Capability = "write_memory"
	CapSchedule    Capability = "schedule"
	CapSpawnAgent  Capability = "spawn_agent"
)

// Handler executes a tool call. args is the raw JSON object already
// validated against the tool's schema.
type Handler func(ctx context.Context, ec ExecContext, args json.RawMessage) (Outcome, error)

// ExecContext is what spec.md §4.4 calls "ctx": current chat, caller
// role, authorization profile, and the working-directory root tools may
// touch, per §6.
type ExecContext struct {
	InternalChatID int64
	CallerRole     string
	Auth           AuthContext
	WorkspaceRoot  string
}

// OutcomeKind is which of Ok/Err/Deferred an Outcome represents.
type OutcomeKind string

const (
	OutcomeOk       OutcomeKind = "ok"
	OutcomeErr      OutcomeKind = "err"
	OutcomeDeferred OutcomeKind = "deferred"
)

// Outcome is spec.md §4.4's ToolOutcome. Deferred tools persist partial
// results under AwaitableID before returning, and AgentLoop resumes them
// later rather than blocking the turn.
type Outcome struct {
	Kind          OutcomeKind
	ContentBlocks string
	ErrMessage    string
	AwaitableID   string
}

func Ok(contentBlocks string) Outcome { return Outcome{Kind: OutcomeOk, ContentBlocks: contentBlocks} }
func Err(message string) Outcome      { return Outcome{Kind: OutcomeErr, ErrMessage: message} }
func Deferred(awaitableID string) Outcome {
	return Outcome{Kind: OutcomeDeferred, AwaitableID: awaitableID}
}

// Tool is spec.md §4.4's Tool descriptor.
type Tool struct {
	Name         string
	Description  string
	Schema       json.RawMessage
	Risk         Risk
	Capabilities []Capability
	Timeout      time.Duration
	Handler      Handler
}

type registeredTool struct {
	def    Tool
	schema *jsonschema.Schema
}

// RiskGate decides whether a high-risk tool call may proceed. The default
// policy (see DefaultRiskGate) permits everything — this is an
// interception point for a future approval plane, per spec.md §4.4.
type RiskGate interface {
	Allow(ec ExecContext, t Tool, args json.RawMessage) bool
}

// DefaultRiskGate permits every call regardless of risk level.
type DefaultRiskGate struct{}

func (DefaultRiskGate) Allow(ExecContext, Tool, json.RawMessage) bool { return true }

const defaultTimeout = 30 * time.Second

// Registry is the mapping from tool name to descriptor, plus the
// authorization and risk-gating logic that runs on every dispatch.
type Registry struct {
	tools map[string]registeredTool
	gate  RiskGate
}

func New(gate RiskGate) *Registry {
	if gate == nil {
		gate = DefaultRiskGate{}
	}
	return &Registry{tools: make(map[string]registeredTool), gate: gate}
}

// Register compiles t's JSON Schema once and adds it to the registry.
// Compilation failure is a programming error, not a runtime dispatch
// error, so it is returned rather than deferred to Execute.
func (r *Registry) Register(t Tool) error {
	compiler := jsonschema.NewCompiler()

	var schemaDoc any
	if err := json.Unmarshal(t.Schema, &schemaDoc); err != nil {
		return fmt.Errorf("invalid JSON schema for tool %q: %w", t.Name, err)
	}
	resourceID := "tool-" + t.Name + ".json"
	if err := compiler.AddResource(resourceID, schemaDoc); err != nil {
		return fmt.Errorf("invalid JSON schema for tool %q: %w", t.Name, err)
	}
	schema, err := compiler.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compile JSON schema for tool %q: %w", t.Name, err)
	}
	if t.Timeout == 0 {
		t.Timeout = defaultTimeout
	}
	r.tools[t.Name] = registeredTool{def: t, schema: schema}
	return nil
}

// Execute validates args, authorizes the call, consults the risk gate for
// high-risk tools, and dispatches. It never panics: unknown tools and
// missing handlers resolve to Outcome{Kind: OutcomeErr}, grounded on
// dmorn-m4d-coso's nil-safe Execute.
func (r *Registry) Execute(ctx context.Context, name string, ec ExecContext, args json.RawMessage) Outcome {
	if r == nil {
		return Err("tool registry is nil")
	}
	rt, ok := r.tools[name]
	if !ok {
		return Err(fmt.Sprintf("unknown tool: %s", name))
	}
	if rt.def.Handler == nil {
		return Err(fmt.Sprintf("tool has no handler: %s", name))
	}

	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return Err(fmt.Sprintf("invalid JSON arguments for %q: %v", name, err))
	}
	if err := rt.schema.Validate(value); err != nil {
		return Err(fmt.Sprintf("arguments for %q failed schema validation: %v", name, err))
	}

	if authErr := r.authorize(rt.def, ec); authErr != nil {
		return Err(authErr.Error())
	}

	if rt.def.Risk == RiskHigh && !r.gate.Allow(ec, rt.def, args) {
		return Err(fmt.Sprintf("tool %q blocked by risk gate", name))
	}

	callCtx, cancel := context.WithTimeout(ctx, rt.def.Timeout)
	defer cancel()

	outcome, err := rt.def.Handler(callCtx, ec, args)
	if err != nil {
		return Err(err.Error())
	}
	return outcome
}

// authorize rejects a call to a CapWriteMemory tool when the caller's
// profile may not access ec.InternalChatID. Tools without CapWriteMemory
// are not checked, and global-scope memory writes have no separate check.
func (r *Registry) authorize(t Tool, ec ExecContext) error {
	for _, cap := range t.Capabilities {
		if cap == CapWriteMemory && !ec.Auth.CanAccessChat(ec.InternalChatID) {
			return rayerr.Unauthorizedf("tool %q: caller cannot access chat %d", t.Name, ec.InternalChatID)
		}
	}
	return nil
}

// Definitions returns every registered tool's descriptor, for composing
// SystemPrompt's capabilities block.
func (r *Registry) Definitions() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.def)
	}
	return out
}

// SubRegistry returns a view containing only tools none of whose
// capabilities appear in exclude — e.g. a sub-agent spawned by AgentLoop
// gets a registry with CapSendMessage, CapWriteMemory, CapSchedule, and
// CapSpawnAgent all excluded, per spec.md §4.4's sub-registry view.
func (r *Registry) SubRegistry(exclude ...Capability) *Registry {
	excluded := make(map[Capability]bool, len(exclude))
	for _, c := range exclude {
		excluded[c] = true
	}

	sub := New(r.gate)
	for name, rt := range r.tools {
		if hasExcludedCapability(rt.def.Capabilities, excluded) {
			continue
		}
		sub.tools[name] = rt
	}
	return sub
}

func hasExcludedCapability(caps []Capability, excluded map[Capability]bool) bool {
	for _, c := range caps {
		if excluded[c] {
			return true
		}
	}
	return false
}
