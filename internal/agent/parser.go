package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxListedItems bounds files[] and matches[] renderings in tool results.
const maxListedItems = 10

// ParseLine parses one stdout line into an Event. It never fails: lines
// that are not valid JSON records, or records without a string type,
// surface as RawOutput so the stream is never aborted by one bad line.
func ParseLine(line []byte) Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return RawOutput{Line: trimmed}
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return RawOutput{Line: trimmed}
	}

	kind, _ := record["type"].(string)
	switch kind {
	case "system":
		return SystemInit{Data: record}
	case "assistant":
		return parseAssistant(record)
	case "user":
		if ev, ok := parseToolResult(record); ok {
			return ev
		}
		return Opaque{Kind: kind, Data: record}
	case "message_stop":
		return MessageStop{}
	case "":
		return RawOutput{Line: trimmed}
	default:
		return Opaque{Kind: kind, Data: record}
	}
}

func parseAssistant(record map[string]any) Event {
	msg, _ := record["message"].(map[string]any)
	content, _ := msg["content"].([]any)

	var text strings.Builder
	var toolUses []ToolUse
	for _, entry := range content {
		block, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if t, ok := block["text"].(string); ok {
				text.WriteString(t)
			}
		case "tool_use":
			tu := ToolUse{}
			tu.ID, _ = block["id"].(string)
			tu.Name, _ = block["name"].(string)
			tu.Input, _ = block["input"].(map[string]any)
			toolUses = append(toolUses, tu)
		}
	}

	return AssistantMessage{Text: text.String(), ToolUses: toolUses}
}

// parseToolResult extracts a ToolResult from a user record carrying
// tool_use_result. The first entry of the message content array supplies
// the matching tool_use_id.
func parseToolResult(record map[string]any) (Event, bool) {
	payload, ok := record["tool_use_result"]
	if !ok {
		return nil, false
	}

	var toolUseID string
	var contentIsError bool
	if msg, ok := record["message"].(map[string]any); ok {
		if content, ok := msg["content"].([]any); ok && len(content) > 0 {
			if first, ok := content[0].(map[string]any); ok {
				toolUseID, _ = first["tool_use_id"].(string)
				contentIsError, _ = first["is_error"].(bool)
			}
		}
	}
	if toolUseID == "" {
		return nil, false
	}

	res := ToolResult{ToolUseID: toolUseID, IsError: contentIsError}
	res.Stdout, res.Stderr, res.IsError = renderToolPayload(payload, contentIsError)
	return res, true
}

// renderToolPayload normalizes the many shapes of tool_use_result into
// stdout/stderr text. First matching shape wins.
func renderToolPayload(payload any, isError bool) (stdout, stderr string, errFlag bool) {
	switch v := payload.(type) {
	case string:
		return v, "", isError
	case map[string]any:
		if flag, ok := v["isError"].(bool); ok {
			isError = flag
		}

		if out, ok := v["stdout"].(string); ok {
			stderr, _ := v["stderr"].(string)
			return out, stderr, isError
		}
		if file, ok := v["file"].(map[string]any); ok {
			content, _ := file["content"].(string)
			return content, "", isError
		}
		if newTodos, ok := v["newTodos"].([]any); ok {
			oldTodos, _ := v["oldTodos"].([]any)
			return todoDiff(oldTodos, newTodos), "", isError
		}
		if files, ok := v["files"].([]any); ok {
			return renderList(files, renderFileEntry), "", isError
		}
		if matches, ok := v["matches"].([]any); ok {
			return renderList(matches, renderMatchEntry), "", isError
		}
		for _, key := range []string{"content", "output", "result", "text"} {
			if val, ok := v[key]; ok {
				return normalizeText(val), "", isError
			}
		}

		// Unknown map shape: compact JSON without the bookkeeping keys.
		clean := make(map[string]any, len(v))
		for k, val := range v {
			if k == "isError" || k == "type" {
				continue
			}
			clean[k] = val
		}
		encoded, err := json.Marshal(clean)
		if err != nil {
			return fmt.Sprintf("%v", clean), "", isError
		}
		return string(encoded), "", isError
	case nil:
		return "", "", isError
	default:
		return fmt.Sprintf("%v", v), "", isError
	}
}

// normalizeText flattens string-or-content-array values. Content arrays
// concatenate their text blocks in order.
func normalizeText(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, entry := range v {
			switch e := entry.(type) {
			case string:
				parts = append(parts, e)
			case map[string]any:
				if t, ok := e["text"].(string); ok {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func renderList(items []any, render func(any) string) string {
	var lines []string
	for i, item := range items {
		if i == maxListedItems {
			break
		}
		lines = append(lines, render(item))
	}
	out := strings.Join(lines, "\n")
	if extra := len(items) - maxListedItems; extra > 0 {
		out += fmt.Sprintf("\n… and %d more", extra)
	}
	return out
}

func renderFileEntry(item any) string {
	switch v := item.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"path", "file", "filename", "name"} {
			if s, ok := v[key].(string); ok {
				return s
			}
		}
	}
	return fmt.Sprintf("%v", item)
}

func renderMatchEntry(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", item)
	}
	var path string
	for _, key := range []string{"path", "file", "filename"} {
		if s, ok := m[key].(string); ok {
			path = s
			break
		}
	}
	if path == "" {
		return fmt.Sprintf("%v", item)
	}
	if line, ok := m["line_number"].(float64); ok {
		return fmt.Sprintf("%s:%d", path, int(line))
	}
	return path
}

// todoDiff renders the changes between two todo lists, one line per
// changed entry: "+" new, "✓" completed, "→" in-progress, "○" pending.
func todoDiff(oldTodos, newTodos []any) string {
	old := make(map[string]string)
	for _, item := range oldTodos {
		if m, ok := item.(map[string]any); ok {
			old[todoKey(m)], _ = m["status"].(string)
		}
	}

	var lines []string
	for _, item := range newTodos {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content, _ := m["content"].(string)
		status, _ := m["status"].(string)

		prev, existed := old[todoKey(m)]
		switch {
		case !existed:
			lines = append(lines, "+ "+content)
		case prev != status:
			lines = append(lines, todoSymbol(status)+" "+content)
		}
	}

	// Nothing changed: show the current list as a status snapshot.
	if len(lines) == 0 {
		for _, item := range newTodos {
			if m, ok := item.(map[string]any); ok {
				content, _ := m["content"].(string)
				status, _ := m["status"].(string)
				lines = append(lines, todoSymbol(status)+" "+content)
			}
		}
	}

	return strings.Join(lines, "\n")
}

func todoKey(m map[string]any) string {
	if id, ok := m["id"].(string); ok && id != "" {
		return id
	}
	content, _ := m["content"].(string)
	return content
}

func todoSymbol(status string) string {
	switch status {
	case "completed":
		return "✓"
	case "in_progress":
		return "→"
	default:
		return "○"
	}
}
