package streamparse

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseLine_Result(t *testing.T) {
	events, ok := ParseLine(`{"type":"result","result":"hello","session_id":"s-1"}`)
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, FinalResult{Content: "hello", SessionID: "s-1"}, events[0])
	assert.Equal(t, "hello", events[0].Render())
	assert.Equal(t, "s-1", SessionIDOf(events[0]))
}

func TestParseLine_ResultError(t *testing.T) {
	events, ok := ParseLine(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"bad"}`)
	require.True(t, ok)
	assert.Equal(t, FinalResult{Content: "bad", IsError: true}, events[0])
}

func TestParseLine_SystemInit(t *testing.T) {
	events, ok := ParseLine(`{"type":"system","subtype":"init","session_id":"abc-123","tools":["Bash"]}`)
	require.True(t, ok)
	require.Len(t, events, 1)
	banner, isBanner := events[0].(StatusBanner)
	require.True(t, isBanner)
	assert.Equal(t, "init", banner.Subtype)
	assert.Equal(t, "abc-123", SessionIDOf(banner))
	assert.Empty(t, banner.Render())
}

func TestParseLine_Summary(t *testing.T) {
	events, ok := ParseLine(`{"type":"summary","summary":"Converted two modules"}`)
	require.True(t, ok)
	assert.Equal(t, "Converted two modules", events[0].Render())
}

func TestParseLine_AssistantTextAndTools(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Looking at the code"},` +
		`{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}},` +
		`{"type":"tool_use","name":"Read","input":{"file_path":"/src/a.go"}},` +
		`{"type":"tool_use","name":"Write","input":{"file_path":"/src/b.go","content":"x"}},` +
		`{"type":"tool_use","name":"Edit","input":{"file_path":"/src/c.go"}},` +
		`{"type":"tool_use","name":"Grep","input":{"pattern":"func main"}},` +
		`{"type":"tool_use","name":"Task","input":{"description":"port module"}},` +
		`{"type":"tool_use","name":"WebFetch","input":{"url":"https://example.com"}}` +
		`]}}`

	events, ok := ParseLine(line)
	require.True(t, ok)

	var rendered []string
	var mutations []FileMutation
	for _, e := range events {
		if m, isMut := e.(FileMutation); isMut {
			mutations = append(mutations, m)
			continue
		}
		rendered = append(rendered, e.Render())
	}

	assert.Equal(t, []string{
		"Looking at the code",
		"$ go test ./...",
		"[reading: /src/a.go]",
		"[writing: /src/b.go]",
		"[editing: /src/c.go]",
		"[searching: func main]",
		"[task: port module]",
		"[WebFetch]",
	}, rendered)
	assert.Equal(t, []FileMutation{
		{Action: FileCreated, Path: "/src/b.go"},
		{Action: FileModified, Path: "/src/c.go"},
	}, mutations)
}

func TestParseLine_LongCommandTruncated(t *testing.T) {
	cmd := strings.Repeat("x", MaxCommandLen+50)
	events, ok := ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"` + cmd + `"}}]}}`)
	require.True(t, ok)
	summary := events[0].Render()
	assert.True(t, strings.HasSuffix(summary, TruncationMarker))
	assert.Equal(t, "$ "+strings.Repeat("x", MaxCommandLen)+TruncationMarker, summary)
}

func TestParseLine_ToolResult(t *testing.T) {
	long := strings.Repeat("r", MaxResultLen+10)
	events, ok := ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","content":"` + long + `"}]}}`)
	require.True(t, ok)
	require.Len(t, events, 1)
	res, isResult := events[0].(ToolResult)
	require.True(t, isResult)
	assert.Equal(t, strings.Repeat("r", MaxResultLen)+TruncationMarker, res.Content)
}

func TestParseLine_ToolResultArrayContent(t *testing.T) {
	events, ok := ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","content":[{"type":"text","text":"one"},{"type":"text","text":"two"}]}]}}`)
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, "one\ntwo", events[0].Render())
}

func TestParseLine_UserStringContent(t *testing.T) {
	events, ok := ParseLine(`{"type":"user","message":{"content":"just text"}}`)
	require.True(t, ok)
	assert.Empty(t, events)
}

func TestParseLine_NonJSON(t *testing.T) {
	events, ok := ParseLine("Warning: something odd")
	assert.False(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, Unknown{Line: "Warning: something odd"}, events[0])
	assert.Equal(t, "Warning: something odd", events[0].Render())
}

func TestParseLine_MalformedJSON(t *testing.T) {
	events, ok := ParseLine(`{"type":"assistant", broken`)
	assert.False(t, ok)
	require.Len(t, events, 1)
	_, isUnknown := events[0].(Unknown)
	assert.True(t, isUnknown)
}

func TestParseLine_UnrecognizedType(t *testing.T) {
	events, ok := ParseLine(`{"type":"stream_event","event":{}}`)
	assert.False(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, "stream_event", events[0].(Unknown).Type)
	assert.Empty(t, events[0].Render())
}

func TestParseLine_Blank(t *testing.T) {
	events, ok := ParseLine("  \r")
	assert.True(t, ok)
	assert.Empty(t, events)
}

func TestCleanLine_StripsANSIAndCarriageReturn(t *testing.T) {
	assert.Equal(t, "hello world", CleanLine("\x1b[1;32mhello\x1b[0m world\r"))
	assert.Equal(t, "a\tb", CleanLine("a\tb\x07"))
}

func TestParser_PartialLines(t *testing.T) {
	p := New(nil)

	events := p.Feed([]byte(`{"type":"result","res`))
	assert.Empty(t, events)
	assert.Positive(t, p.Pending())

	events = p.Feed([]byte("ult\":\"done\"}\r\nnext"))
	require.Len(t, events, 1)
	assert.Equal(t, "done", events[0].Render())

	events = p.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, "next", events[0].Render())
	assert.Empty(t, p.Flush())
	assert.Zero(t, p.Pending())
}

func TestParser_ANSIWrappedJSON(t *testing.T) {
	p := New(nil)
	events := p.Feed([]byte("\x1b[?25l{\"type\":\"result\",\"result\":\"ok\"}\r\n"))
	require.Len(t, events, 1)
	assert.Equal(t, FinalResult{Content: "ok"}, events[0])
}

// TestParser_LineCountProperty checks that N complete lines followed by a
// partial line yield exactly N events however the bytes are chunked, and
// that Flush yields the partial line.
func TestParser_LineCountProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(rt, "lines")
		var sb strings.Builder
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(rt, "json") {
				fmt.Fprintf(&sb, `{"type":"result","result":"r%d"}`+"\n", i)
			} else {
				fmt.Fprintf(&sb, "plain line %d\r\n", i)
			}
		}
		partial := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "partial")
		sb.WriteString(partial)
		data := []byte(sb.String())

		p := New(nil)
		var got []Event
		for len(data) > 0 {
			k := rapid.IntRange(1, len(data)).Draw(rt, "chunk")
			got = append(got, p.Feed(data[:k])...)
			data = data[k:]
		}
		if len(got) != n {
			rt.Fatalf("got %d events before flush, want %d", len(got), n)
		}
		flushed := p.Flush()
		if len(flushed) != 1 || flushed[0].Render() != partial {
			rt.Fatalf("flush = %v, want partial %q", flushed, partial)
		}
	})
}
