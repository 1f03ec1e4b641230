// Package llmclient defines the canonical LLMClient contract from spec.md
// §4.5: one interface, invariant across providers, with adapters
// translating a canonical block/tool representation. Grounded on the
// Request/Response/Message/ContentBlock shape of the teacher's
// third_party/agentsdk-go/pkg/model package, generalized so AgentLoop
// never imports a provider SDK directly.
package llmclient

import "context"

// Role is a message's author, mirroring spec.md §3's Message.role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates a ContentBlock's payload.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is the canonical wire-agnostic block AgentLoop builds
// Messages out of and LLMClient adapters translate to/from a provider's
// native representation.
type ContentBlock struct {
	Type BlockType

	// BlockText
	Text string

	// BlockToolUse
	ToolUseID   string
	ToolName    string
	ToolArgsRaw string // JSON object, raw

	// BlockToolResult
	ToolResultForID string
	ToolResultText  string
	ToolResultIsErr bool
}

// Message is one turn in the canonical conversation AgentLoop sends to
// Complete.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// ToolDef is a tool's name/description/JSON-Schema triple, the subset of
// toolregistry.Tool an LLMClient adapter needs to advertise tool-calling
// capability to the provider.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StopReason is why the provider stopped generating, per spec.md §4.5.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage is per-call token accounting, feeding Store.RecordUsage.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Limits caps a single Complete call, per spec.md §4.5's "limits" input.
type Limits struct {
	MaxTokens   int
	Temperature *float64
}

// Request is one Complete call's input.
type Request struct {
	Messages []Message
	Tools    []ToolDef
	System   string
	Limits   Limits
	Model    string
	// SessionID, when non-empty, is forwarded as provider-level user/session
	// metadata where supported (grounded on agentsdk-go's Request.SessionID).
	SessionID string
}

// Response is one Complete call's output: the assembled content blocks,
// why generation stopped, and token usage.
type Response struct {
	Blocks     []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// Client is spec.md §4.5's LLMClient contract. Implementations must
// internally retry transient errors (rate-limit and idempotent 5xx) with
// exponential backoff up to 3 attempts; permanent errors surface wrapped
// in rayerr.ProviderError.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
