// Package stream parses the NDJSON event stream emitted by agent CLIs
// running with stream-json output. One JSON object per line; lines may
// arrive split across reads, and malformed lines are skipped.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

type EventType string

const (
	EventText       EventType = "text"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventSystem     EventType = "system"
	EventError      EventType = "error"
	EventResult     EventType = "result"
)

// Event is one parsed occurrence from the agent's output stream.
type Event struct {
	Type      EventType
	Text      string
	ToolName  string
	ToolID    string
	ToolInput json.RawMessage
	Raw       json.RawMessage
}

// maxLineSize bounds a single NDJSON line. Tool results can carry whole
// file contents, so this is generous.
const maxLineSize = 1024 * 1024

// Parser accumulates raw stream chunks and yields Events. Text deltas are
// concatenated into the full response text, which the final "result" line
// seeds if no deltas arrived.
type Parser struct {
	buf      bytes.Buffer
	fullText strings.Builder
}

func NewParser() *Parser {
	return &Parser{}
}

// FullText returns the response text accumulated so far.
func (p *Parser) FullText() string {
	return p.fullText.String()
}

// Feed appends a raw chunk and returns the events from every complete
// line it contains. A trailing partial line stays buffered for the next
// call.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf.Write(chunk)

	var events []Event
	for {
		data := p.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(data[:i])
		p.buf.Next(i + 1)

		if ev, ok := p.parseLine(line); ok {
			events = append(events, ev...)
		}
	}
	return events
}

// Flush parses whatever remains in the buffer as a final line. Call it
// once the stream has ended.
func (p *Parser) Flush() []Event {
	line := strings.TrimSpace(p.buf.String())
	p.buf.Reset()
	if line == "" {
		return nil
	}
	ev, _ := p.parseLine(line)
	return ev
}

// Run reads the stream line by line until EOF, invoking fn for each
// event. The reader's close/termination is the caller's concern.
func (p *Parser) Run(r io.Reader, fn func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ev, ok := p.parseLine(scanner.Text()); ok {
			for _, e := range ev {
				fn(e)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, e := range p.Flush() {
		fn(e)
	}
	return nil
}

type streamLine struct {
	Type         string         `json:"type"`
	ContentBlock *contentBlock  `json:"content_block"`
	Delta        *blockDelta    `json:"delta"`
	Result       string         `json:"result"`
	Message      *streamMessage `json:"message"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	ID    string          `json:"id"`
	Text  string          `json:"text"`
	Input json.RawMessage `json:"input"`
}

type blockDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

func (p *Parser) parseLine(line string) ([]Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	var obj streamLine
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		// Malformed line, skip it.
		return nil, false
	}
	raw := json.RawMessage(line)

	switch obj.Type {
	case "content_block_start":
		if obj.ContentBlock != nil && obj.ContentBlock.Type == "tool_use" {
			name := obj.ContentBlock.Name
			if name == "" {
				name = "unknown"
			}
			return []Event{{
				Type:     EventToolStart,
				ToolName: name,
				ToolID:   obj.ContentBlock.ID,
				Raw:      raw,
			}}, true
		}

	case "content_block_delta":
		if obj.Delta != nil && obj.Delta.Type == "text_delta" && obj.Delta.Text != "" {
			p.fullText.WriteString(obj.Delta.Text)
			return []Event{{Type: EventText, Text: obj.Delta.Text, Raw: raw}}, true
		}

	case "result":
		if obj.Result != "" && p.fullText.Len() == 0 {
			p.fullText.WriteString(obj.Result)
		}
		return []Event{{Type: EventResult, Text: obj.Result, Raw: raw}}, true

	case "assistant":
		// A full assistant message, sometimes emitted as the final summary.
		if obj.Message == nil {
			return nil, false
		}
		var events []Event
		for _, block := range obj.Message.Content {
			if block.Type == "text" && block.Text != "" && p.fullText.Len() == 0 {
				p.fullText.WriteString(block.Text)
			}
			if block.Type == "tool_use" {
				events = append(events, Event{
					Type:      EventToolStart,
					ToolName:  block.Name,
					ToolID:    block.ID,
					ToolInput: block.Input,
					Raw:       raw,
				})
			}
		}
		return events, len(events) > 0

	case "system":
		return []Event{{Type: EventSystem, Raw: raw}}, true

	case "message_delta":
		if obj.Delta != nil && obj.Delta.StopReason == "error" {
			return []Event{{Type: EventError, Text: "agent stopped with error", Raw: raw}}, true
		}
	}

	// message_start, message_stop, content_block_stop and anything
	// unrecognized carry no activity.
	return nil, false
}

var toolLabels = map[string]string{
	"Read":               "Reading files",
	"Write":              "Writing files",
	"Edit":               "Editing files",
	"Bash":               "Running commands",
	"Glob":               "Searching files",
	"Grep":               "Searching codebase",
	"WebFetch":           "Fetching web content",
	"WebSearch":          "Searching the web",
	"Task":               "Running subtask",
	"get_issue":          "Reading issue details",
	"list_issues":        "Listing issues",
	"get_project":        "Reading project details",
	"get_comments":       "Reading comments",
	"search_issues":      "Searching issues",
	"update_issue_state": "Updating issue state",
	"create_issue":       "Creating issue",
	"add_comment":        "Posting comment",
	"update_issue":       "Updating issue",
}

// ToolDisplayName maps a tool name to the activity label shown to users.
func ToolDisplayName(toolName string) string {
	if label, ok := toolLabels[toolName]; ok {
		return label
	}
	return "Using " + toolName
}
