package streamparse

// Event is one structured item decoded from the child's output. The set of
// implementations is closed: Text, ToolInvocation, ToolResult, StatusBanner,
// FinalResult, FileMutation and Unknown.
type Event interface {
	// Render returns the one-line human-readable form, or "" when the event
	// has nothing to show.
	Render() string
	isEvent()
}

// Text is a plain assistant text segment.
type Text struct {
	Content string
}

// ToolInvocation is a tool call with a short summary of its arguments.
type ToolInvocation struct {
	Name    string
	Summary string
}

// ToolResult is the (truncated) output of a tool call.
type ToolResult struct {
	Content string
}

// StatusBanner is a system or summary line.
type StatusBanner struct {
	Subtype   string
	SessionID string
	Content   string
}

// FinalResult is the terminal result of the invocation.
type FinalResult struct {
	Content   string
	IsError   bool
	SessionID string
}

// FileAction distinguishes created from modified files.
type FileAction string

const (
	FileCreated  FileAction = "created"
	FileModified FileAction = "modified"
)

// FileMutation records that a tool wrote or edited a file.
type FileMutation struct {
	Action FileAction
	Path   string
}

// Unknown is a line that is not a recognized event. Type is set when the
// line was valid JSON with an unrecognized discriminator.
type Unknown struct {
	Line string
	Type string
}

func (e Text) Render() string           { return e.Content }
func (e ToolInvocation) Render() string { return e.Summary }
func (e ToolResult) Render() string     { return e.Content }
func (e StatusBanner) Render() string   { return e.Content }
func (e FinalResult) Render() string    { return e.Content }
func (e FileMutation) Render() string   { return "" }

// Render passes non-JSON lines through verbatim and hides JSON events of
// unrecognized types.
func (e Unknown) Render() string {
	if e.Type != "" {
		return ""
	}
	return e.Line
}

func (Text) isEvent()           {}
func (ToolInvocation) isEvent() {}
func (ToolResult) isEvent()     {}
func (StatusBanner) isEvent()   {}
func (FinalResult) isEvent()    {}
func (FileMutation) isEvent()   {}
func (Unknown) isEvent()        {}

// SessionIDOf returns the CLI session ID carried by e, if any.
func SessionIDOf(e Event) string {
	switch ev := e.(type) {
	case StatusBanner:
		return ev.SessionID
	case FinalResult:
		return ev.SessionID
	}
	return ""
}
