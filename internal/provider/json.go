package provider

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpsignal/internal/resilience"
)

// ExtractJSON decodes the JSON object or array embedded in a model reply
// into v. Markdown fences and surrounding prose are stripped. Any failure is
// a MalformedOutputError carrying the raw text.
func ExtractJSON(text string, v any) error {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return resilience.NewMalformedOutputError(eris.New("provider: reply contains no JSON"), text)
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return resilience.NewMalformedOutputError(eris.Wrap(err, "provider: decode reply"), text)
	}
	return nil
}

// cleanJSON strips markdown code fences and returns the outermost JSON
// object or array.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	objStart := strings.Index(text, "{")
	arrStart := strings.Index(text, "[")
	open, closer := objStart, "}"
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		open, closer = arrStart, "]"
	}
	if open < 0 {
		return ""
	}
	end := strings.LastIndex(text, closer)
	if end <= open {
		return ""
	}
	return strings.TrimSpace(text[open : end+1])
}
