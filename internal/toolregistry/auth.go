package toolregistry

// AuthContext carries the caller's authorization profile for a tool
// dispatch, grounded on original_source/tests/tool_permissions.rs's
// ToolAuthContext (there keyed into args under a reserved key; here it is
// threaded explicitly through ExecContext instead, since Go has no
// equivalent of that ad hoc convention). A control chat is authorized for
// cross-chat and global-scope operations; a regular chat may only touch
// its own chat.
type AuthContext struct {
	CallerChannel      string
	CallerInternalChat int64
	ControlChatIDs     map[int64]bool
}

// IsControlChat reports whether the caller's own chat is itself a control
// chat.
func (a AuthContext) IsControlChat() bool {
	return a.ControlChatIDs[a.CallerInternalChat]
}

// CanAccessChat reports whether the caller may read or write state
// belonging to targetChatID. Same-chat access is always allowed; control
// chats may reach any chat; everyone else is confined to their own.
func (a AuthContext) CanAccessChat(targetChatID int64) bool {
	if targetChatID == a.CallerInternalChat {
		return true
	}
	return a.IsControlChat()
}

// CanAccessGlobalScope reports whether the caller may write global-scope
// memory, a cross-chat-shaped operation gated the same way as
// CanAccessChat.
func (a AuthContext) CanAccessGlobalScope() bool {
	return a.IsControlChat()
}
