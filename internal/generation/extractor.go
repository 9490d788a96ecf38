package generation

import (
	"strings"

	"ragpipe/internal/domain"
)

// answerFields is the fixed priority order of answer field names across
// the generation backends we have seen: question-answering pipelines
// return "answer", text-generation backends "generated_text" or
// "response", chat-style backends "content" or "text".
var answerFields = []string{"answer", "generated_text", "response", "content", "text", "output"}

// Extract normalizes a generation response into a single answer string.
// The first present, non-empty field in priority order wins; if none is
// present the caller gets MissingAnswerFieldError, never a silent empty
// string.
func Extract(response map[string]any) (string, error) {
	for _, field := range answerFields {
		v, ok := response[field]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s != "" {
			return s, nil
		}
	}
	return "", &domain.MissingAnswerFieldError{Checked: answerFields}
}
