// Package streamparse turns the Claude CLI's stream-json output, as read
// from a pty, into structured events.
package streamparse

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

const (
	// MaxCommandLen bounds shell command previews.
	MaxCommandLen = 100
	// MaxResultLen bounds tool result text.
	MaxResultLen = 500
	// TruncationMarker is appended to truncated text.
	TruncationMarker = "... (truncated)"
)

// Parser buffers partial lines between Feed calls. It is not safe for
// concurrent use.
type Parser struct {
	buf []byte
	log *slog.Logger
}

// New creates a parser. A nil logger discards warnings.
func New(log *slog.Logger) *Parser {
	return &Parser{log: log}
}

// Feed consumes raw bytes and returns the events of every line completed
// by them. A trailing partial line is held until a later Feed or Flush.
func (p *Parser) Feed(data []byte) []Event {
	p.buf = append(p.buf, data...)

	var events []Event
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := string(p.buf[:i])
		p.buf = p.buf[i+1:]
		events = append(events, p.parse(line)...)
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return events
}

// Flush emits the buffered partial line, if any, as a final line.
func (p *Parser) Flush() []Event {
	if len(p.buf) == 0 {
		return nil
	}
	line := string(p.buf)
	p.buf = nil
	return p.parse(line)
}

// Pending returns the number of buffered bytes not yet forming a line.
func (p *Parser) Pending() int {
	return len(p.buf)
}

func (p *Parser) parse(line string) []Event {
	events, ok := ParseLine(line)
	if !ok && p.log != nil {
		p.log.Debug("unparsed stream line", "line", truncate(CleanLine(line), 200))
	}
	return events
}

// CleanLine removes ANSI sequences, carriage returns and other control
// characters except tab.
func CleanLine(line string) string {
	line = ansi.Strip(line)
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, line)
}

type wireLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Summary string `json:"summary"`
}

type wireBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
}

// ParseLine decodes one line. ok is false when the line was not a
// recognized JSON event; the line is then returned as Unknown. Blank lines
// yield no events.
func ParseLine(line string) (events []Event, ok bool) {
	line = strings.TrimSpace(CleanLine(line))
	if line == "" {
		return nil, true
	}
	if !strings.HasPrefix(line, "{") {
		return []Event{Unknown{Line: line}}, false
	}

	var w wireLine
	if err := json.Unmarshal([]byte(line), &w); err != nil || w.Type == "" {
		return []Event{Unknown{Line: line}}, false
	}

	switch w.Type {
	case "assistant":
		return assistantEvents(decodeBlocks(w.Message.Content)), true
	case "user":
		return userEvents(w.Message.Content), true
	case "result":
		return []Event{FinalResult{Content: w.Result, IsError: w.IsError, SessionID: w.SessionID}}, true
	case "system":
		return []Event{StatusBanner{Subtype: w.Subtype, SessionID: w.SessionID}}, true
	case "summary":
		return []Event{StatusBanner{Subtype: "summary", Content: w.Summary}}, true
	}
	return []Event{Unknown{Line: line, Type: w.Type}}, false
}

// decodeBlocks reads a content field that is either an array of blocks or
// a bare string.
func decodeBlocks(raw json.RawMessage) []wireBlock {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return []wireBlock{{Type: "text", Text: s}}
		}
		return nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

func assistantEvents(blocks []wireBlock) []Event {
	var events []Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				events = append(events, Text{Content: b.Text})
			}
		case "tool_use":
			var input map[string]any
			_ = json.Unmarshal(b.Input, &input)
			events = append(events, ToolInvocation{Name: b.Name, Summary: summarizeTool(b.Name, input)})
			if m, ok := fileMutation(b.Name, input); ok {
				events = append(events, m)
			}
		}
	}
	return events
}

func userEvents(raw json.RawMessage) []Event {
	var events []Event
	for _, b := range decodeBlocks(raw) {
		if b.Type != "tool_result" {
			continue
		}
		text := resultText(b.Content)
		if text == "" {
			continue
		}
		events = append(events, ToolResult{Content: truncate(text, MaxResultLen)})
	}
	return events
}

// resultText flattens tool_result content, which is a string or an array
// of text blocks.
func resultText(raw json.RawMessage) string {
	var parts []string
	for _, b := range decodeBlocks(raw) {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// summarizeTool renders a one-line description of a tool call.
func summarizeTool(name string, input map[string]any) string {
	arg := func(key string) string {
		v, _ := input[key].(string)
		return v
	}

	switch name {
	case "Bash":
		if cmd := arg("command"); cmd != "" {
			return "$ " + truncate(firstLine(cmd), MaxCommandLen)
		}
	case "Read":
		if path := arg("file_path"); path != "" {
			return "[reading: " + path + "]"
		}
	case "Write":
		if path := arg("file_path"); path != "" {
			return "[writing: " + path + "]"
		}
	case "Edit", "MultiEdit":
		if path := arg("file_path"); path != "" {
			return "[editing: " + path + "]"
		}
	case "Grep", "Glob":
		if pattern := arg("pattern"); pattern != "" {
			return "[searching: " + truncate(pattern, MaxCommandLen) + "]"
		}
	case "Task":
		if desc := arg("description"); desc != "" {
			return "[task: " + truncate(desc, MaxCommandLen) + "]"
		}
	}
	return "[" + name + "]"
}

func fileMutation(name string, input map[string]any) (FileMutation, bool) {
	path, _ := input["file_path"].(string)
	if path == "" {
		return FileMutation{}, false
	}
	switch name {
	case "Write":
		return FileMutation{Action: FileCreated, Path: path}, true
	case "Edit", "MultiEdit":
		return FileMutation{Action: FileModified, Path: path}, true
	}
	return FileMutation{}, false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// truncate cuts s to at most max runes and appends TruncationMarker when
// anything was dropped.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + TruncationMarker
}
