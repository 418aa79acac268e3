package envelope

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Address is a parsed mailbox. Email is always lowercased.
type Address struct {
	Name  string
	Email string
}

// Attachment is a non-body MIME part.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (a Attachment) Size() int {
	return len(a.Data)
}

// Envelope is the normalized form of one remote message.
type Envelope struct {
	ID           string
	ThreadID     string
	Labels       []string
	Snippet      string
	InternalDate time.Time

	From    Address
	To      []Address
	Cc      []Address
	Bcc     []Address
	Subject string
	Date    time.Time

	HTML        string
	Text        string
	Attachments []Attachment
}

// Parse reads an RFC 5322 message. Remote identity fields (ID, ThreadID, Labels,
// Snippet, InternalDate) are left for the caller.
func Parse(raw []byte) (*Envelope, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}
	defer mr.Close()

	env := &Envelope{
		From: firstAddress(addresses(mr.Header, "From")),
		To:   addresses(mr.Header, "To"),
		Cc:   addresses(mr.Header, "Cc"),
		Bcc:  addresses(mr.Header, "Bcc"),
	}

	if subject, err := mr.Header.Subject(); err == nil {
		env.Subject = subject
	} else {
		env.Subject = mr.Header.Get("Subject")
	}

	if date, err := mr.Header.Date(); err == nil {
		env.Date = date
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read part body: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()

			switch {
			case contentType == "text/html":
				if env.HTML == "" {
					env.HTML = string(body)
				}

			case contentType == "text/plain" || contentType == "":
				if env.Text == "" {
					env.Text = string(body)
				}

			default:
				env.addAttachment(inlineFilename(h), contentType, body)
			}

		case *mail.AttachmentHeader:
			contentType, _, _ := h.ContentType()
			filename, _ := h.Filename()
			env.addAttachment(filename, contentType, body)
		}
	}

	return env, nil
}

func (e *Envelope) addAttachment(filename, contentType string, data []byte) {
	if filename == "" {
		filename = fmt.Sprintf("attachment-%d", len(e.Attachments)+1)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	e.Attachments = append(e.Attachments, Attachment{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	})
}

// BodyHTML is the sanitized HTML body, or the text body rendered as HTML.
func (e *Envelope) BodyHTML() string {
	if e.HTML != "" {
		return SanitizeHTML(e.HTML)
	}

	return TextAsHTML(e.Text)
}

// PlainText is the text body, or the HTML body with every tag stripped.
func (e *Envelope) PlainText() string {
	if text := strings.TrimSpace(e.Text); text != "" {
		return text
	}

	return strings.TrimSpace(html.UnescapeString(StripHTML(e.HTML)))
}

// Participants returns every address on the envelope, sender first.
func (e *Envelope) Participants() []Address {
	all := make([]Address, 0, 1+len(e.To)+len(e.Cc)+len(e.Bcc))

	if e.From.Email != "" {
		all = append(all, e.From)
	}

	all = append(all, e.To...)
	all = append(all, e.Cc...)
	all = append(all, e.Bcc...)

	return all
}

// TextAsHTML escapes text and keeps its line breaks.
func TextAsHTML(text string) string {
	if text == "" {
		return ""
	}

	escaped := html.EscapeString(strings.ReplaceAll(text, "\r\n", "\n"))

	return "<p>" + strings.ReplaceAll(escaped, "\n", "<br/>") + "</p>"
}

func inlineFilename(h *mail.InlineHeader) string {
	_, params, err := h.ContentDisposition()
	if err == nil && params["filename"] != "" {
		return params["filename"]
	}

	_, params, err = h.ContentType()
	if err == nil {
		return params["name"]
	}

	return ""
}
