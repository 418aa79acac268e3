package mailbox

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/blob"
	"github.com/Martian-dev/mail-mirror/internal/envelope"
	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/providers/gmail"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

const snippetLength = 100

// DraftInput is the editable content of a draft.
type DraftInput struct {
	ThreadID string   `json:"threadId"`
	Subject  string   `json:"subject"`
	Content  string   `json:"content"`
	To       []string `json:"to"`
	Cc       []string `json:"cc"`
	Bcc      []string `json:"bcc"`
}

func snippetOf(content string) string {
	text := strings.Join(strings.Fields(html.UnescapeString(envelope.StripHTML(content))), " ")
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}

	return string([]rune(text)[:snippetLength])
}

func (s *Service) remoteDraft(sender *store.Person, in DraftInput) gmail.Draft {
	return gmail.Draft{
		ThreadID: in.ThreadID,
		From:     sender.Email,
		To:       in.To,
		Cc:       in.Cc,
		Bcc:      in.Bcc,
		Subject:  in.Subject,
		HTML:     in.Content,
	}
}

// CreateDraft creates a remote draft and mirrors it. A thread that already holds a
// draft returns that draft.
func (s *Service) CreateDraft(ctx context.Context, userID string, in DraftInput) (*store.Email, error) {
	if in.ThreadID != "" {
		existing, err := s.store.FindDraftInThread(ctx, userID, in.ThreadID)
		if err == nil {
			return existing, nil
		} else if !errors.Is(err, mailerr.ErrNotFound) {
			return nil, err
		}
	}

	sender, err := s.store.PersonByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sender: %w", err)
	}

	drafts, err := s.drafts(ctx, userID)
	if err != nil {
		return nil, err
	}

	ref, err := drafts.CreateDraft(ctx, s.remoteDraft(sender, in))
	if err != nil {
		return nil, err
	}

	threadID := ref.ThreadID
	if threadID == "" {
		threadID = in.ThreadID
	}

	if threadID == "" {
		threadID = ref.MessageID
	}

	now := time.Now()
	content := envelope.SanitizeHTML(in.Content)
	snippet := snippetOf(content)

	if err := s.store.UpsertThread(ctx, store.Thread{
		ID:      threadID,
		UserID:  userID,
		Subject: in.Subject,
		Snippet: snippet,
		Date:    now,
	}); err != nil {
		return nil, err
	}

	if err := s.store.InsertEmail(ctx, store.Email{
		ID:       ref.MessageID,
		UserID:   userID,
		ThreadID: threadID,
		SenderID: sender.ID,
		Subject:  in.Subject,
		Content:  content,
		Snippet:  snippet,
		Date:     now,
		Labels:   []string{store.LabelDraft},
		DraftID:  ref.ID,
	}); err != nil && !errors.Is(err, mailerr.ErrPersistenceConflict) {
		return nil, err
	}

	links, err := s.recipientLinks(ctx, ref.MessageID, in)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.InsertRecipientLinks(ctx, links); err != nil {
		return nil, err
	}

	s.invalidate(ctx, userID)

	return s.store.EmailByID(ctx, ref.MessageID)
}

// ownedDraft loads a draft and checks that userID owns it.
func (s *Service) ownedDraft(ctx context.Context, userID, emailID string) (*store.Email, error) {
	email, err := s.store.EmailByID(ctx, emailID)
	if err != nil {
		return nil, err
	}

	if email.UserID != userID {
		return nil, fmt.Errorf("email %s: %w", emailID, mailerr.ErrForbidden)
	}

	if !email.HasLabel(store.LabelDraft) || email.DraftID == "" {
		return nil, fmt.Errorf("email %s is not a draft: %w", emailID, mailerr.ErrInvalidArgument)
	}

	return email, nil
}

// SaveDraft updates the draft content and recipients, remotely and in the mirror.
func (s *Service) SaveDraft(ctx context.Context, userID, emailID string, in DraftInput) (*store.Email, error) {
	draft, err := s.ownedDraft(ctx, userID, emailID)
	if err != nil {
		return nil, err
	}

	sender, err := s.store.PersonByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sender: %w", err)
	}

	drafts, err := s.drafts(ctx, userID)
	if err != nil {
		return nil, err
	}

	in.ThreadID = draft.ThreadID

	ref, err := drafts.UpdateDraft(ctx, draft.DraftID, s.remoteDraft(sender, in))
	if err != nil {
		return nil, err
	}

	updated := *draft

	if in.Subject != draft.Subject {
		updated.Subject = in.Subject
	}

	if content := envelope.SanitizeHTML(in.Content); content != draft.Content {
		updated.Content = content
		updated.Snippet = snippetOf(content)
	}

	if err := s.syncRecipients(ctx, draft, in); err != nil {
		return nil, err
	}

	if ref.MessageID != "" {
		updated.ID = ref.MessageID
	}

	if ref.ID != "" {
		updated.DraftID = ref.ID
	}

	if err := s.store.RekeyEmail(ctx, draft.ID, updated); err != nil {
		return nil, err
	}

	s.invalidate(ctx, userID)

	return s.store.EmailByID(ctx, updated.ID)
}

// syncRecipients adds missing recipient links and removes stale ones.
func (s *Service) syncRecipients(ctx context.Context, draft *store.Email, in DraftInput) error {
	desired, err := s.recipientLinks(ctx, draft.ID, in)
	if err != nil {
		return err
	}

	type flags struct{ to, cc, bcc bool }

	want := make(map[string]flags, len(desired))
	for _, l := range desired {
		want[l.PersonID] = flags{l.IsTo, l.IsCc, l.IsBcc}
	}

	have := make(map[string]flags, len(draft.Recipients))

	var stale []string

	for _, r := range draft.Recipients {
		f := flags{r.IsTo, r.IsCc, r.IsBcc}

		if w, ok := want[r.PersonID]; !ok || w != f {
			stale = append(stale, r.ID)
			continue
		}

		have[r.PersonID] = f
	}

	var added []store.Recipient

	for _, l := range desired {
		if _, ok := have[l.PersonID]; !ok {
			added = append(added, l)
		}
	}

	if err := s.store.DeleteRecipientLinks(ctx, stale); err != nil {
		return err
	}

	_, err = s.store.InsertRecipientLinks(ctx, added)

	return err
}

// recipientLinks resolves the draft addresses to person rows and returns the links.
func (s *Service) recipientLinks(ctx context.Context, emailID string, in DraftInput) ([]store.Recipient, error) {
	var all []string

	all = append(all, in.To...)
	all = append(all, in.Cc...)
	all = append(all, in.Bcc...)

	persons, err := s.ensurePersons(ctx, all)
	if err != nil {
		return nil, err
	}

	var (
		links []store.Recipient
		index = make(map[string]int)
	)

	mark := func(addrs []string, set func(r *store.Recipient)) {
		for _, a := range addrs {
			p, ok := persons[normalize(a)]
			if !ok {
				continue
			}

			i, ok := index[p.ID]
			if !ok {
				i = len(links)
				index[p.ID] = i
				links = append(links, store.Recipient{EmailID: emailID, PersonID: p.ID})
			}

			set(&links[i])
		}
	}

	mark(in.To, func(r *store.Recipient) { r.IsTo = true })
	mark(in.Cc, func(r *store.Recipient) { r.IsCc = true })
	mark(in.Bcc, func(r *store.Recipient) { r.IsBcc = true })

	return links, nil
}

func normalize(addr string) string {
	if parsed := envelope.ParseAddressList(addr); len(parsed) > 0 {
		return parsed[0].Email
	}

	return strings.ToLower(strings.TrimSpace(addr))
}

func (s *Service) ensurePersons(ctx context.Context, addrs []string) (map[string]store.Person, error) {
	var emails []string

	seen := make(map[string]bool)

	for _, a := range addrs {
		email := normalize(a)
		if email == "" || seen[email] {
			continue
		}

		seen[email] = true
		emails = append(emails, email)
	}

	persons := make(map[string]store.Person, len(emails))
	if len(emails) == 0 {
		return persons, nil
	}

	unseen := make([]store.Person, 0, len(emails))
	for _, email := range emails {
		unseen = append(unseen, store.Person{Email: email})
	}

	if _, err := s.store.InsertPersons(ctx, unseen); err != nil {
		return nil, err
	}

	known, err := s.store.PersonsByEmail(ctx, emails)
	if err != nil {
		return nil, err
	}

	for _, p := range known {
		persons[strings.ToLower(p.Email)] = p
	}

	return persons, nil
}

// SendDraft sends the draft and rekeys its row to the sent message.
func (s *Service) SendDraft(ctx context.Context, userID, emailID string) (*store.Email, error) {
	draft, err := s.ownedDraft(ctx, userID, emailID)
	if err != nil {
		return nil, err
	}

	drafts, err := s.drafts(ctx, userID)
	if err != nil {
		return nil, err
	}

	sent, err := drafts.SendDraft(ctx, draft.DraftID)
	if err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{"user": userID, "message": sent.ID, "thread": sent.ThreadID})

	updated := *draft
	updated.ID = sent.ID
	updated.DraftID = ""
	updated.Labels = []string{store.LabelSent}
	updated.Date = time.Now()

	if sent.ThreadID != "" {
		updated.ThreadID = sent.ThreadID
	}

	body := &envelope.Envelope{HTML: draft.Content}

	if msg, err := drafts.GetRawMessage(ctx, sent.ID); err != nil {
		log.WithError(err).Warn("Failed to fetch sent message, keeping draft content")
	} else {
		if len(msg.LabelIDs) > 0 {
			updated.Labels = msg.LabelIDs
		}

		if !msg.InternalDate.IsZero() {
			updated.Date = msg.InternalDate
		}

		if msg.Snippet != "" {
			updated.Snippet = msg.Snippet
		}

		if env, err := envelope.Parse(msg.Raw); err != nil {
			log.WithError(err).Warn("Failed to parse sent message")
		} else {
			body = env
		}
	}

	rendered := body.BodyHTML()
	updated.Content = body.PlainText()

	url, err := blob.Upload(ctx, s.blobs, blob.HTMLKey(updated.ID), "text/html; charset=utf-8", []byte(rendered))
	if err != nil {
		return nil, err
	}

	if err := s.store.UpsertThread(ctx, store.Thread{
		ID:      updated.ThreadID,
		UserID:  userID,
		Subject: updated.Subject,
		Snippet: updated.Snippet,
		Date:    updated.Date,
	}); err != nil {
		return nil, err
	}

	if err := s.store.RekeyEmail(ctx, draft.ID, updated); err != nil {
		return nil, err
	}

	if _, err := s.store.InsertFile(ctx, store.File{
		EmailID:     updated.ID,
		FileName:    "email.html",
		FormatType:  string(envelope.FormatHTML),
		Category:    store.CategoryEmail,
		Size:        int64(len(rendered)),
		DownloadKey: url,
	}); err != nil {
		return nil, err
	}

	s.invalidate(ctx, userID)

	return s.store.EmailByID(ctx, updated.ID)
}

// DeleteDraft removes the draft remotely and from the mirror.
func (s *Service) DeleteDraft(ctx context.Context, userID, emailID string) error {
	draft, err := s.ownedDraft(ctx, userID, emailID)
	if err != nil {
		return err
	}

	drafts, err := s.drafts(ctx, userID)
	if err != nil {
		return err
	}

	if err := drafts.DeleteDraft(ctx, draft.DraftID); err != nil && !errors.Is(err, mailerr.ErrNotFound) {
		return err
	}

	if err := s.store.DeleteEmail(ctx, draft.ID); err != nil && !errors.Is(err, mailerr.ErrNotFound) {
		return err
	}

	s.invalidate(ctx, userID)

	return nil
}
