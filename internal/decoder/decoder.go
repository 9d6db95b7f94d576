// Package decoder turns raw SMTP payload bytes into a normalized,
// display-ready message: sender, subject, a bounded plain-text
// excerpt and attachment summaries.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // register charset decoders
	"github.com/emersion/go-message/mail"

	"github.com/mixelka/tginbox/pkg/models"
)

const (
	// Placeholders used when headers are missing or malformed.
	unknownSender = "unknown sender"
	noSubject     = "no subject"
)

// Decoder extracts a DecodedMessage from raw message bytes.
type Decoder struct {
	excerptLen int
	html       *htmlText
}

// New creates a decoder with the given excerpt rune budget.
func New(excerptLen int) *Decoder {
	if excerptLen <= 0 {
		excerptLen = 1000
	}
	return &Decoder{
		excerptLen: excerptLen,
		html:       newHTMLText(),
	}
}

// Decode parses the raw message. Missing From/Subject headers degrade
// to the declared envelope sender or placeholders, and unknown
// charsets are tolerated; an error is returned only for structurally
// unparseable input, in which case nothing is forwarded for the
// session.
func (d *Decoder) Decode(raw []byte, envelopeSender string) (*models.DecodedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("unparseable message structure: %w", err)
	}

	msg := &models.DecodedMessage{
		From:    senderDisplay(&mr.Header, envelopeSender),
		Subject: subjectDisplay(&mr.Header),
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// Keep what was already extracted from earlier parts.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			switch {
			case strings.HasPrefix(ct, "text/plain") && plain == "":
				b, err := io.ReadAll(part.Body)
				if err == nil {
					plain = string(b)
				}
			case strings.HasPrefix(ct, "text/html") && html == "":
				b, err := io.ReadAll(part.Body)
				if err == nil {
					html = string(b)
				}
			default:
				// Additional inline parts are summarized, not decoded.
				size, _ := io.Copy(io.Discard, part.Body)
				msg.Attachments = append(msg.Attachments, models.Attachment{
					Filename: fallbackFilename(ct),
					Size:     size,
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if filename == "" {
				ct, _, _ := h.ContentType()
				filename = fallbackFilename(ct)
			}
			size, _ := io.Copy(io.Discard, part.Body)
			msg.Attachments = append(msg.Attachments, models.Attachment{
				Filename: filename,
				Size:     size,
			})
		}
	}

	body := plain
	if body == "" && html != "" {
		text, err := d.html.Parse(html)
		if err == nil {
			body = text
		}
	}
	msg.Excerpt = d.excerpt(body)

	return msg, nil
}

// excerpt sanitizes body text and truncates it to the rune budget.
func (d *Decoder) excerpt(body string) string {
	body = strings.ToValidUTF8(body, "�")
	body = strings.TrimSpace(body)

	runes := []rune(body)
	if len(runes) <= d.excerptLen {
		return body
	}
	return strings.TrimSpace(string(runes[:d.excerptLen])) + "…"
}

// senderDisplay builds the sender display string from the From
// header, degrading to the envelope sender and finally a placeholder.
func senderDisplay(h *mail.Header, envelopeSender string) string {
	addrs, err := h.AddressList("From")
	if err == nil && len(addrs) > 0 {
		addr := addrs[0]
		if addr.Name != "" {
			return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
		}
		return addr.Address
	}

	// Malformed address list: fall back to the decoded raw value.
	if raw, err := h.Text("From"); err == nil && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw)
	}
	if envelopeSender != "" {
		return envelopeSender
	}
	return unknownSender
}

func subjectDisplay(h *mail.Header) string {
	subject, err := h.Subject()
	if err != nil {
		// RFC 2047 decoding failed, use the raw value if any.
		subject, _ = h.Text("Subject")
	}
	subject = strings.TrimSpace(strings.ToValidUTF8(subject, "�"))
	if subject == "" {
		return noSubject
	}
	return subject
}

// fallbackFilename derives a display name for parts without one,
// e.g. "attachment.pdf" for application/pdf.
func fallbackFilename(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		if _, subtype, ok := strings.Cut(mediaType, "/"); ok {
			return "attachment." + subtype
		}
	}
	return "attachment"
}
