package tool

import (
	"encoding/json"
	"strconv"
	"strings"

	"coursechat/internal/domain"
)

// extractCallsFromContent recovers tool calls that a model wrote into its
// text answer instead of the structured tool_calls field. It accepts a bare
// object or array, a fenced code block, or JSON surrounded by prose. Names
// are matched against known, ignoring case, '-' and '_'; unknown names are
// dropped.
func extractCallsFromContent(content string, known []string) []domain.ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	candidates := []string{content}
	if start, end := jsonBounds(content); start >= 0 && end > start && (start > 0 || end < len(content)) {
		candidates = append(candidates, content[start:end])
	}

	index := make(map[string]string, len(known))
	for _, n := range known {
		index[foldName(n)] = n
	}

	for _, c := range candidates {
		var calls []domain.ToolCall
		for i, raw := range decodeCallObjects(c) {
			name, ok := index[foldName(raw.Name)]
			if !ok {
				continue
			}
			args := raw.Arguments
			if args == nil {
				args = raw.Parameters
			}
			if args == nil {
				args = make(map[string]any)
			}
			calls = append(calls, domain.ToolCall{
				ID:        "content_call_" + strconv.Itoa(i),
				Name:      name,
				Arguments: args,
			})
		}
		if len(calls) > 0 {
			return calls
		}
	}
	return nil
}

type rawCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
}

func decodeCallObjects(s string) []rawCall {
	for _, text := range []string{s, sanitizeJSONEscapes(s)} {
		var one rawCall
		if json.Unmarshal([]byte(text), &one) == nil && one.Name != "" {
			return []rawCall{one}
		}
		var many []rawCall
		if json.Unmarshal([]byte(text), &many) == nil && len(many) > 0 {
			return many
		}
	}
	return nil
}

func foldName(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

// jsonBounds locates the first top-level JSON object or array in s and
// returns its start and end+1, or (-1, -1).
func jsonBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}
	open := s[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch ch {
			case '\\':
				i++
			case '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

// sanitizeJSONEscapes drops the backslash of escape sequences JSON does not
// allow (\% or \Y), which some models produce inside strings.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch next {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
				buf.WriteByte(next)
				i++
			}
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}
