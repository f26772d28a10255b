package chat

import (
	"strings"
	"unicode/utf8"

	"telehealth-chat/internal/models"
)

const previewLength = 80

// Preview shortens content to at most limit runes, appending an ellipsis when cut.
func Preview(content string, limit int) string {
	content = strings.Join(strings.Fields(content), " ")
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return content
	}
	runes := []rune(content)
	return strings.TrimRight(string(runes[:limit-1]), " ") + "…"
}

// MessagePreview is the thread-list line for a message.
func MessagePreview(msg *models.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.Text(); text != "" {
		return Preview(text, previewLength)
	}
	if len(msg.Attachments) > 0 {
		return Preview("[attachment] "+msg.Attachments[0].Filename, previewLength)
	}
	return ""
}
