package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mail-mirror/internal/sync"
)

// Draft is the content of an outgoing message.
type Draft struct {
	ThreadID string
	From     string
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	HTML     string
}

// DraftRef identifies a remote draft and the message currently backing it.
type DraftRef struct {
	ID        string
	MessageID string
	ThreadID  string
}

func (g *Gateway) CreateDraft(ctx context.Context, d Draft) (*DraftRef, error) {
	msg, err := draftMessage(d)
	if err != nil {
		return nil, err
	}

	var created *gmail.Draft

	err = g.call(ctx, "drafts.create", func() (err error) {
		created, err = g.svc.Users.Drafts.Create(me, &gmail.Draft{Message: msg}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	return draftRef(created), nil
}

func (g *Gateway) UpdateDraft(ctx context.Context, id string, d Draft) (*DraftRef, error) {
	msg, err := draftMessage(d)
	if err != nil {
		return nil, err
	}

	var updated *gmail.Draft

	err = g.call(ctx, "drafts.update", func() (err error) {
		updated, err = g.svc.Users.Drafts.Update(me, id, &gmail.Draft{Id: id, Message: msg}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	return draftRef(updated), nil
}

// SendDraft sends the draft and returns the ref of the sent message.
func (g *Gateway) SendDraft(ctx context.Context, id string) (*sync.MessageRef, error) {
	var sent *gmail.Message

	err := g.call(ctx, "drafts.send", func() (err error) {
		sent, err = g.svc.Users.Drafts.Send(me, &gmail.Draft{Id: id}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	ref := messageRef(sent)

	return &ref, nil
}

func (g *Gateway) DeleteDraft(ctx context.Context, id string) error {
	return g.call(ctx, "drafts.delete", func() error {
		return g.svc.Users.Drafts.Delete(me, id).Context(ctx).Do()
	})
}

func draftRef(d *gmail.Draft) *DraftRef {
	ref := &DraftRef{ID: d.Id}
	if d.Message != nil {
		ref.MessageID = d.Message.Id
		ref.ThreadID = d.Message.ThreadId
	}

	return ref
}

func draftMessage(d Draft) (*gmail.Message, error) {
	raw, err := BuildMessage(d)
	if err != nil {
		return nil, err
	}

	return &gmail.Message{
		ThreadId: d.ThreadID,
		Raw:      base64.URLEncoding.EncodeToString(raw),
	}, nil
}

// BuildMessage renders d as a single part text/html RFC 5322 message.
func BuildMessage(d Draft) ([]byte, error) {
	var h mail.Header

	h.SetDate(time.Now())
	h.SetSubject(d.Subject)
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	if d.From != "" {
		h.SetAddressList("From", []*mail.Address{{Address: d.From}})
	}

	for key, list := range map[string][]string{"To": d.To, "Cc": d.Cc, "Bcc": d.Bcc} {
		if len(list) == 0 {
			continue
		}

		addrs := make([]*mail.Address, 0, len(list))
		for _, a := range list {
			addrs = append(addrs, &mail.Address{Address: a})
		}

		h.SetAddressList(key, addrs)
	}

	var buf bytes.Buffer

	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to write draft header: %w", err)
	}

	if _, err := io.WriteString(w, d.HTML); err != nil {
		return nil, fmt.Errorf("failed to write draft body: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close draft body: %w", err)
	}

	return buf.Bytes(), nil
}
