// Package parser extracts structured tool calls from assistant free
// text. Models that lack native function calling emit calls as XML
// elements, fenced JSON, or terse inline JSON objects; the parser
// recognizes all of these, dedupes the results, and reports malformed
// attempts with a remediation hint instead of failing the turn.
//
// The parser is pure: no I/O, deterministic, single-threaded per call.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nanocoder-ai/nanocoder/internal/llm"
)

// ParseError reports that tool-call syntax was detected but could not be
// decoded. Remediation is an instructional string the engine forwards to
// the model so it can reissue the call in the correct format.
type ParseError struct {
	Message     string
	Remediation string
}

func (e *ParseError) Error() string { return e.Message }

// Result is the outcome of parsing one assistant message.
type Result struct {
	Calls          []llm.ToolCall
	CleanedContent string
	Err            *ParseError
}

// Remediation is the instructional template sent back to the model when
// its tool-call syntax could not be decoded.
const Remediation = `Your tool call could not be parsed. Reissue it in one of these exact formats:

<tool_call>
  <tool_name>read_file</tool_name>
  <parameters>
    <path>src/main.go</path>
  </parameters>
</tool_call>

or as a single JSON object:

{"name": "read_file", "arguments": {"path": "src/main.go"}}`

var (
	xmlMarkerRe  = regexp.MustCompile(`<tool_call[\s>]`)
	xmlSpanRe    = regexp.MustCompile(`(?s)<tool_call(?:\s[^>]*)?>.*?</tool_call>`)
	emptyFenceRe = regexp.MustCompile("```[a-zA-Z0-9_-]*[\\s]*```")
	nameKeyRe    = regexp.MustCompile(`\{\s*"?name"?\s*:`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// Parse extracts tool calls from content. Recognized forms, in priority
// order: XML tool_call elements; a single JSON call object (possibly
// fenced); multi-line JSON call objects anywhere in the content; inline
// compact JSON call objects. When any XML marker parses, XML is
// authoritative and JSON forms contribute no calls.
func Parse(content string) Result {
	seq := 0
	nextID := func() string {
		seq++
		return fmt.Sprintf("call_%d", seq)
	}

	var calls []llm.ToolCall
	var spans []span
	var parseErr *ParseError

	if xmlMarkerRe.MatchString(content) {
		xmlCalls, xmlSpans, err := parseXML(content, nextID)
		if err != nil {
			return Result{
				CleanedContent: cleanContent(content, nil),
				Err:            &ParseError{Message: err.Error(), Remediation: Remediation},
			}
		}
		calls = xmlCalls
		spans = xmlSpans
		// XML is authoritative; JSON spans are still removed from the
		// cleaned content so cleaning stays idempotent, but they do not
		// contribute calls.
		_, jsonSpans, _ := parseJSON(content, func() string { return "" })
		spans = append(spans, jsonSpans...)
	} else {
		jsonCalls, jsonSpans, err := parseJSON(content, nextID)
		calls = jsonCalls
		spans = jsonSpans
		parseErr = err
	}

	calls = dedupe(calls)
	return Result{
		Calls:          calls,
		CleanedContent: cleanContent(content, spans),
		Err:            parseErr,
	}
}

// span marks a recognized byte range in the original content.
type span struct{ start, end int }

// --- XML form ---

type xmlNode struct {
	Name     string
	Text     string
	Children []xmlNode
}

func parseXML(content string, nextID func() string) ([]llm.ToolCall, []span, error) {
	locs := xmlSpanRe.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		// A marker was detected but no element closes: malformed.
		return nil, nil, fmt.Errorf("unclosed <tool_call> element")
	}

	var calls []llm.ToolCall
	var spans []span
	for _, loc := range locs {
		raw := content[loc[0]:loc[1]]
		call, err := decodeXMLCall(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed tool_call element: %v", err)
		}
		call.ID = nextID()
		calls = append(calls, call)
		spans = append(spans, span{loc[0], loc[1]})
	}
	return calls, spans, nil
}

func decodeXMLCall(raw string) (llm.ToolCall, error) {
	root, err := decodeXMLTree(raw)
	if err != nil {
		return llm.ToolCall{}, err
	}

	var name string
	args := map[string]any{}
	for _, child := range root.Children {
		switch child.Name {
		case "tool_name", "name":
			name = strings.TrimSpace(child.Text)
		case "parameters", "arguments", "args":
			if len(child.Children) > 0 {
				for _, p := range child.Children {
					args[p.Name] = coerceScalar(strings.TrimSpace(p.Text))
				}
			} else if body := strings.TrimSpace(child.Text); body != "" {
				// A JSON body inside <arguments> is accepted as-is.
				var parsed map[string]any
				if err := json.Unmarshal([]byte(body), &parsed); err != nil {
					return llm.ToolCall{}, fmt.Errorf("arguments body is not valid JSON: %v", err)
				}
				args = parsed
			}
		default:
			// Bare argument elements directly under tool_call.
			args[child.Name] = coerceScalar(strings.TrimSpace(child.Text))
		}
	}
	if name == "" {
		return llm.ToolCall{}, fmt.Errorf("tool_call element missing tool_name")
	}
	return llm.ToolCall{Name: name, Args: args}, nil
}

// decodeXMLTree parses a single-rooted XML fragment into a node tree
// using the stdlib decoder, keeping element order and text content.
func decodeXMLTree(raw string) (*xmlNode, error) {
	dec := newLenientXMLDecoder(raw)
	root, err := dec.decode()
	if err != nil {
		return nil, err
	}
	return root, nil
}

// coerceScalar converts XML text values into JSON-ish scalars so that
// XML-form arguments canonicalize the same way JSON-form arguments do.
func coerceScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	var n json.Number
	if err := json.Unmarshal([]byte(s), &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return float64(i)
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return s
}

// --- JSON forms ---

type jsonCallShape struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseJSON scans content for balanced JSON object spans and strictly
// decodes those matching the {"name": ..., "arguments": ...} shape.
// The two-pass strategy (candidate discovery, then strict decode) avoids
// regex-assembled JSON handling. A span that names a tool but fails to
// decode, or an unbalanced object opening with a name key, yields a
// ParseError.
func parseJSON(content string, nextID func() string) ([]llm.ToolCall, []span, *ParseError) {
	var calls []llm.ToolCall
	var spans []span
	sawAttempt := false

	search := content
	offset := 0
	for {
		idx := strings.IndexByte(search, '{')
		if idx < 0 {
			break
		}
		abs := offset + idx
		length, balanced := balancedObject(content[abs:])
		if !balanced {
			// An unbalanced object that looks like a call attempt is a
			// malformed tool call, not prose.
			if nameKeyRe.MatchString(content[abs:]) {
				sawAttempt = true
			}
			offset = abs + 1
			search = content[offset:]
			continue
		}
		raw := content[abs : abs+length]
		if call, ok, attempted := decodeJSONCall(raw); ok {
			call.ID = nextID()
			calls = append(calls, call)
			spans = append(spans, span{abs, abs + length})
		} else if attempted {
			sawAttempt = true
		}
		offset = abs + length
		search = content[offset:]
	}

	if len(calls) == 0 && sawAttempt {
		return nil, nil, &ParseError{
			Message:     "tool call syntax detected but could not be decoded",
			Remediation: Remediation,
		}
	}
	return calls, spans, nil
}

// decodeJSONCall strictly decodes one candidate span. ok reports a
// usable call; attempted reports that the span named a tool but was not
// decodable into one.
func decodeJSONCall(raw string) (call llm.ToolCall, ok bool, attempted bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "{}" {
		return llm.ToolCall{}, false, false
	}
	var shape jsonCallShape
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&shape); err != nil {
		return llm.ToolCall{}, false, nameKeyRe.MatchString(trimmed)
	}
	if shape.Name == "" {
		return llm.ToolCall{}, false, false
	}

	args := map[string]any{}
	if len(shape.Arguments) > 0 {
		if err := json.Unmarshal(shape.Arguments, &args); err != nil {
			// Arguments may arrive string-encoded; parse lazily then.
			var s string
			if err2 := json.Unmarshal(shape.Arguments, &s); err2 == nil {
				return llm.ToolCall{Name: shape.Name, RawArgs: s}, true, false
			}
			return llm.ToolCall{}, false, true
		}
	}
	return llm.ToolCall{Name: shape.Name, Args: args}, true, false
}

// balancedObject returns the length of the JSON object starting at s[0]
// ('{'), honoring strings and escapes. balanced is false when the object
// never closes.
func balancedObject(s string) (length int, balanced bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// --- shared helpers ---

// dedupe collapses calls sharing an id or a (name, canonical arguments)
// identity, keeping first occurrences in order.
func dedupe(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seenKey := make(map[string]bool, len(calls))
	seenID := make(map[string]bool, len(calls))
	out := calls[:0]
	for _, c := range calls {
		key := c.CanonicalKey()
		if seenKey[key] {
			continue
		}
		if c.ID != "" && seenID[c.ID] {
			continue
		}
		seenKey[key] = true
		if c.ID != "" {
			seenID[c.ID] = true
		}
		out = append(out, c)
	}
	return out
}

// cleanContent removes the recognized spans and empty fenced code blocks
// from content and collapses leftover whitespace.
func cleanContent(content string, spans []span) string {
	if len(spans) > 0 {
		keep := make([]bool, len(content))
		for i := range keep {
			keep[i] = true
		}
		for _, sp := range spans {
			for i := sp.start; i < sp.end && i < len(keep); i++ {
				keep[i] = false
			}
		}
		var b strings.Builder
		b.Grow(len(content))
		for i := 0; i < len(content); i++ {
			if keep[i] {
				b.WriteByte(content[i])
			}
		}
		content = b.String()
	}

	content = emptyFenceRe.ReplaceAllString(content, "")

	lines := strings.Split(content, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	content = strings.Join(lines, "\n")
	content = blankRunRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}
