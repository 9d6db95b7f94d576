// Package formatter builds the Telegram notification text for a
// decoded email.
package formatter

import (
	"fmt"
	"strings"

	"github.com/mixelka/tginbox/pkg/models"
)

// Telegram caps messages at 4096 characters; keep headroom for markup.
const maxLength = 4000

// TelegramFormatter renders decoded messages as Telegram HTML.
type TelegramFormatter struct {
	maxLength int
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter() *TelegramFormatter {
	return &TelegramFormatter{maxLength: maxLength}
}

// Format renders one notification: sender line, bold subject, body
// excerpt and an attachment summary when present. The excerpt is
// escaped before it is budgeted, so entity expansion cannot push the
// final text past the Telegram cap.
func (f *TelegramFormatter) Format(msg *models.DecodedMessage) string {
	header := fmt.Sprintf("\U0001F4E8 %s\n<b>%s</b>\n", escapeHTML(msg.From), escapeHTML(msg.Subject))

	var attach strings.Builder
	if len(msg.Attachments) > 0 {
		attach.WriteString("\n\n<b>Attachments:</b>\n")
		for _, at := range msg.Attachments {
			attach.WriteString(fmt.Sprintf("\U0001F4CE %s (%s)\n", escapeHTML(at.Filename), humanSize(at.Size)))
		}
	}

	budget := f.maxLength - len([]rune(header)) - len([]rune(attach.String()))
	if budget < 0 {
		budget = 0
	}
	excerpt := truncate(escapeHTML(msg.Excerpt), budget)

	return strings.TrimSpace(header + excerpt + attach.String())
}

// escapeHTML escapes characters significant to Telegram HTML parse mode
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate limits already-escaped text to maxLen runes, never cutting
// through an escaped entity.
func truncate(s string, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	cut := string(runes[:maxLen])
	if i := strings.LastIndex(cut, "&"); i >= 0 && !strings.Contains(cut[i:], ";") {
		cut = cut[:i]
	}
	return cut + "…"
}

// humanSize renders a byte count for the attachment summary
func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
