package nucleus

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/keelframework/keel/pkg/llm"
)

// decodeJSONReply extracts a JSON object from a model reply, tolerating
// markdown code fences and surrounding prose.
func decodeJSONReply(content string, v any) error {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in reply")
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

func directiveArgs(args map[string]any) ([]string, error) {
	raw, ok := args["directives"]
	if !ok {
		if single, found := args["directive"].(string); found {
			return []string{single}, nil
		}
		return nil, fmt.Errorf("request_context_retrieval requires directives")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("directives must be an array of strings")
	}
	directives := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("directives must be an array of strings")
		}
		directives = append(directives, s)
	}
	if len(directives) == 0 {
		return nil, fmt.Errorf("request_context_retrieval requires directives")
	}
	return directives, nil
}

func describeToolCalls(resp *llm.Response) string {
	var sb strings.Builder
	if resp.Content != "" {
		sb.WriteString(resp.Content)
		sb.WriteString("\n")
	}
	for _, call := range resp.ToolCalls {
		args, _ := json.Marshal(call.Arguments)
		fmt.Fprintf(&sb, "[tool_call %s %s]\n", call.Name, args)
	}
	return sb.String()
}

func joinMessages(messages []llm.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
