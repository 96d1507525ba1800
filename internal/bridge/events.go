package bridge

import "encoding/json"

// Event types emitted by the agent child on stdout.
const (
	EventTypeResponse            = "response"
	EventTypeMessageUpdate       = "message_update"
	EventTypeToolExecutionStart  = "tool_execution_start"
	EventTypeToolExecutionEnd    = "tool_execution_end"
	EventTypeAgentStart          = "agent_start"
	EventTypeAgentEnd            = "agent_end"
	EventTypeAutoCompactionStart = "auto_compaction_start"
	EventTypeAutoCompactionEnd   = "auto_compaction_end"
)

// RPC types written to the agent child on stdin.
const (
	RPCFollowUp           = "follow_up"
	RPCAbort              = "abort"
	RPCCompact            = "compact"
	RPCNewSession         = "new_session"
	RPCGetAvailableModels = "get_available_models"
	RPCSetModel           = "set_model"
	RPCPrompt             = "prompt"
	RPCGetState           = "get_state"
	RPCGetSessionStats    = "get_session_stats"
)

// AssistantMessageEvent carries incremental assistant content inside a
// message_update event.
type AssistantMessageEvent struct {
	Type  string `json:"type"` // "text_delta" or "thinking_delta"
	Delta string `json:"delta"`
}

// Event is one parsed stdout line from the agent child. Raw holds the exact
// bytes as received so subscribers can re-emit the event without a second
// marshal.
type Event struct {
	Type                  string                 `json:"type"`
	ID                    string                 `json:"id,omitempty"`
	Success               *bool                  `json:"success,omitempty"`
	Data                  json.RawMessage        `json:"data,omitempty"`
	Error                 string                 `json:"error,omitempty"`
	AssistantMessageEvent *AssistantMessageEvent `json:"assistantMessageEvent,omitempty"`
	ToolName              string                 `json:"toolName,omitempty"`
	Args                  json.RawMessage        `json:"args,omitempty"`
	ToolCallID            string                 `json:"toolCallId,omitempty"`
	IsError               bool                   `json:"isError,omitempty"`
	Result                json.RawMessage        `json:"result,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseEvent decodes one stdout line. It returns false for lines that are not
// JSON objects with a type field; those are protocol noise and get dropped.
func ParseEvent(line []byte) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, false
	}
	if ev.Type == "" {
		return Event{}, false
	}
	ev.Raw = append(json.RawMessage(nil), line...)
	return ev, true
}

// ToolStart describes a tool_execution_start event to turn callbacks.
type ToolStart struct {
	ToolName string
	Args     json.RawMessage
}
