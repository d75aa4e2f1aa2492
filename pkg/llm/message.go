package llm

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

var (
	_ Payload = Text("")
	_ Payload = (*ToolCall)(nil)
	_ Payload = (*ToolResult)(nil)
)

type Role string

func (r Role) String() string {
	return string(r)
}

// Message is one entry of a model context.
type Message struct {
	Role    Role
	Payload Payload
}

// Payload is the tagged union of message bodies: Text, *ToolCall, or
// *ToolResult.
type Payload interface {
	isPayload()
}

type Text string

func (Text) isPayload() {}

// ToolCall is a model request to execute a named tool with raw JSON
// arguments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

func (*ToolCall) isPayload() {}

// ToolResult carries the outcome of executing the tool call with the
// matching ID.
type ToolResult struct {
	ID     string
	Result string
}

func (*ToolResult) isPayload() {}

// System builds a system message with text content.
func System(s string) Message {
	return Message{Role: RoleSystem, Payload: Text(s)}
}

// User builds a user message with text content.
func User(s string) Message {
	return Message{Role: RoleUser, Payload: Text(s)}
}

// Assistant builds an assistant message with text content.
func Assistant(s string) Message {
	return Message{Role: RoleAssistant, Payload: Text(s)}
}
