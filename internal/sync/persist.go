package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/blob"
	"github.com/Martian-dev/mail-mirror/internal/envelope"
	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

const htmlFileName = "email.html"

// ensurePersons resolves addrs to person rows, inserting the addresses not seen before.
// The result is keyed by lowercased email.
func (e *Engine) ensurePersons(ctx context.Context, addrs []envelope.Address) (map[string]store.Person, error) {
	names := make(map[string]string)

	var emails []string

	for _, a := range addrs {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		if email == "" {
			continue
		}

		if _, ok := names[email]; ok {
			if names[email] == "" {
				names[email] = a.Name
			}

			continue
		}

		names[email] = a.Name
		emails = append(emails, email)
	}

	if len(emails) == 0 {
		return map[string]store.Person{}, nil
	}

	known, err := e.store.PersonsByEmail(ctx, emails)
	if err != nil {
		return nil, err
	}

	persons := make(map[string]store.Person, len(emails))
	for _, p := range known {
		persons[strings.ToLower(p.Email)] = p
	}

	var unseen []store.Person

	for _, email := range emails {
		if _, ok := persons[email]; !ok {
			unseen = append(unseen, store.Person{Email: email, Name: names[email]})
		}
	}

	if len(unseen) == 0 {
		return persons, nil
	}

	if _, err := e.store.InsertPersons(ctx, unseen); err != nil {
		return nil, err
	}

	// A concurrent writer may have won the insert, so read back the stored rows.
	inserted, err := e.store.PersonsByEmail(ctx, personEmails(unseen))
	if err != nil {
		return nil, err
	}

	for _, p := range inserted {
		persons[strings.ToLower(p.Email)] = p
	}

	return persons, nil
}

func personEmails(persons []store.Person) []string {
	emails := make([]string, 0, len(persons))
	for _, p := range persons {
		emails = append(emails, p.Email)
	}

	return emails
}

// persistEnvelope writes one message with its body, attachments and recipient links.
// It reports false when the message was already mirrored.
func (e *Engine) persistEnvelope(
	ctx context.Context,
	userID string,
	env *envelope.Envelope,
	senders map[string]store.Person,
) (bool, error) {
	exists, err := e.store.EmailExists(ctx, env.ID)
	if err != nil {
		return false, err
	}

	if exists {
		return false, nil
	}

	addrs := concat(env.To, env.Cc, env.Bcc)

	sender, ok := senders[strings.ToLower(env.From.Email)]
	if !ok {
		addrs = env.Participants()
	}

	persons, err := e.ensurePersons(ctx, addrs)
	if err != nil {
		return false, fmt.Errorf("failed to resolve participants: %w", err)
	}

	if !ok {
		if sender, ok = persons[strings.ToLower(env.From.Email)]; !ok {
			return false, fmt.Errorf("message %s has no sender", env.ID)
		}
	}

	body := env.BodyHTML()

	url, err := blob.Upload(ctx, e.blobs, blob.HTMLKey(env.ID), "text/html; charset=utf-8", []byte(body))
	if err != nil {
		return false, err
	}

	if err := e.store.UpsertThread(ctx, store.Thread{
		ID:      env.ThreadID,
		UserID:  userID,
		Subject: env.Subject,
		Snippet: env.Snippet,
		Date:    env.InternalDate,
	}); err != nil {
		return false, err
	}

	if err := e.store.InsertEmail(ctx, store.Email{
		ID:       env.ID,
		UserID:   userID,
		ThreadID: env.ThreadID,
		SenderID: sender.ID,
		Subject:  env.Subject,
		Content:  env.PlainText(),
		Snippet:  env.Snippet,
		Date:     env.InternalDate,
		Labels:   env.Labels,
	}); errors.Is(err, mailerr.ErrPersistenceConflict) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	if err := e.insertFile(ctx, store.File{
		EmailID:     env.ID,
		FileName:    htmlFileName,
		FormatType:  string(envelope.FormatHTML),
		Category:    store.CategoryEmail,
		Size:        int64(len(body)),
		DownloadKey: url,
	}); err != nil {
		return false, err
	}

	for _, att := range env.Attachments {
		if err := e.persistAttachment(ctx, env.ID, att); err != nil {
			logrus.WithFields(logrus.Fields{
				"user":       userID,
				"message":    env.ID,
				"thread":     env.ThreadID,
				"attachment": att.Filename,
			}).WithError(err).Warn("Failed to store attachment")
		}
	}

	if _, err := e.store.InsertRecipientLinks(ctx, recipientLinks(env, persons)); err != nil {
		return false, err
	}

	return true, nil
}

func (e *Engine) insertFile(ctx context.Context, f store.File) error {
	exists, err := e.store.FileExists(ctx, f.EmailID, f.FileName, f.Category)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	_, err = e.store.InsertFile(ctx, f)

	return err
}

func (e *Engine) persistAttachment(ctx context.Context, messageID string, att envelope.Attachment) error {
	exists, err := e.store.FileExists(ctx, messageID, att.Filename, store.CategoryAttachment)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	url, err := blob.Upload(ctx, e.blobs, blob.AttachmentKey(messageID, att.Filename), att.ContentType, att.Data)
	if err != nil {
		return err
	}

	_, err = e.store.InsertFile(ctx, store.File{
		EmailID:     messageID,
		FileName:    att.Filename,
		FormatType:  string(envelope.FormatOf(att.ContentType)),
		Category:    store.CategoryAttachment,
		Size:        int64(att.Size()),
		DownloadKey: url,
	})

	return err
}

// recipientLinks merges the To/Cc/Bcc flags of every recipient person.
func recipientLinks(env *envelope.Envelope, persons map[string]store.Person) []store.Recipient {
	var (
		links []store.Recipient
		index = make(map[string]int)
	)

	mark := func(addrs []envelope.Address, set func(r *store.Recipient)) {
		for _, a := range addrs {
			p, ok := persons[strings.ToLower(a.Email)]
			if !ok {
				continue
			}

			i, ok := index[p.ID]
			if !ok {
				i = len(links)
				index[p.ID] = i
				links = append(links, store.Recipient{EmailID: env.ID, PersonID: p.ID})
			}

			set(&links[i])
		}
	}

	mark(env.To, func(r *store.Recipient) { r.IsTo = true })
	mark(env.Cc, func(r *store.Recipient) { r.IsCc = true })
	mark(env.Bcc, func(r *store.Recipient) { r.IsBcc = true })

	return links
}

func concat[T any](lists ...[]T) []T {
	var all []T
	for _, l := range lists {
		all = append(all, l...)
	}

	return all
}
