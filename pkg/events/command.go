package events

import "encoding/json"

// CommandKind selects the core operation a Command invokes.
type CommandKind string

const (
	CommandNotify    CommandKind = "notify"
	CommandPublish   CommandKind = "publish"
	CommandBroadcast CommandKind = "broadcast"
	CommandTrigger   CommandKind = "trigger"
)

// Command is a collaborator request delivered over the message bus.
type Command struct {
	Kind    CommandKind     `json:"kind" validate:"required,oneof=notify publish broadcast trigger"`
	UserID  string          `json:"userId,omitempty" validate:"required_if=Kind notify"`
	Topic   string          `json:"topic,omitempty" validate:"required_if=Kind publish"`
	Type    EventType       `json:"type,omitempty" validate:"required_if=Kind publish"`
	Group   string          `json:"group,omitempty" validate:"required_if=Kind broadcast"`
	Metric  string          `json:"metric,omitempty" validate:"required_if=Kind trigger"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
