package completion

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Shape is the variant of a backend response body.
type Shape int

const (
	// ShapePlainText is a body that is not JSON, or JSON without a text field.
	ShapePlainText Shape = iota
	// ShapeSingleJSON is one JSON object carrying the whole answer.
	ShapeSingleJSON
	// ShapeNDJSON is a sequence of JSON objects, one partial answer per line.
	ShapeNDJSON
)

// String returns the string representation of Shape.
func (s Shape) String() string {
	switch s {
	case ShapeSingleJSON:
		return "json"
	case ShapeNDJSON:
		return "ndjson"
	default:
		return "text"
	}
}

// Response is a parsed response body.
type Response struct {
	Shape Shape
	Text  string
}

// ParseResponse classifies a 2xx body and assembles its text.
//
// A body that decodes as one JSON object with a text field is ShapeSingleJSON.
// Otherwise, when at least one line decodes as an object with a text field,
// the body is ShapeNDJSON and the line texts are concatenated in order until a
// line reports done. Anything else is returned verbatim as ShapePlainText.
func ParseResponse(body []byte) Response {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Response{Shape: ShapePlainText, Text: ""}
	}

	if trimmed[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			if text, ok := textOf(obj); ok {
				return Response{Shape: ShapeSingleJSON, Text: text}
			}
			return Response{Shape: ShapePlainText, Text: string(body)}
		}
	}

	if text, ok := assembleLines(trimmed); ok {
		return Response{Shape: ShapeNDJSON, Text: text}
	}

	return Response{Shape: ShapePlainText, Text: string(body)}
}

// assembleLines concatenates the text of each JSON line. Server-sent event
// framing ("data: " prefixes, "[DONE]") is tolerated.
func assembleLines(body []byte) (string, bool) {
	var sb strings.Builder
	found := false

	for _, raw := range bytes.Split(body, []byte("\n")) {
		line := bytes.TrimSpace(raw)
		line = bytes.TrimPrefix(line, []byte("data:"))
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			if bytes.Equal(line, []byte("[DONE]")) {
				break
			}
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			continue
		}
		if text, ok := textOf(obj); ok {
			sb.WriteString(text)
			found = true
		}
		if done, _ := obj["done"].(bool); done {
			break
		}
	}

	return sb.String(), found
}

// textOf finds the answer text in a decoded object. Field preference follows
// the backends seen in practice: Ollama generate, Ollama chat, OpenAI chat
// (full and streamed), then generic fallbacks.
func textOf(obj map[string]any) (string, bool) {
	if s, ok := obj["response"].(string); ok {
		return s, true
	}
	if m, ok := obj["message"].(map[string]any); ok {
		if s, ok := m["content"].(string); ok {
			return s, true
		}
	}
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if c, ok := choices[0].(map[string]any); ok {
			for _, key := range []string{"message", "delta"} {
				if m, ok := c[key].(map[string]any); ok {
					if s, ok := m["content"].(string); ok {
						return s, true
					}
				}
			}
			if s, ok := c["text"].(string); ok {
				return s, true
			}
		}
	}
	for _, key := range []string{"content", "text", "message"} {
		if s, ok := obj[key].(string); ok {
			return s, true
		}
	}
	return "", false
}
