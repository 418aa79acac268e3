package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bradenaw/juniper/parallel"
	"github.com/bradenaw/juniper/sets"
	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/blob"
	"github.com/Martian-dev/mail-mirror/internal/envelope"
	"github.com/Martian-dev/mail-mirror/internal/mailerr"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

const (
	DefaultBatchSize  = 40
	DefaultFetchChunk = 10
	DefaultApplyChunk = 3
)

// Store is the part of the mirror store the engine writes through.
type Store interface {
	ExistingThreadIDs(ctx context.Context, ids []string) ([]string, error)
	UpsertThread(ctx context.Context, t store.Thread) error

	PersonsByEmail(ctx context.Context, emails []string) ([]store.Person, error)
	InsertPersons(ctx context.Context, persons []store.Person) (int, error)

	EmailExists(ctx context.Context, id string) (bool, error)
	InsertEmail(ctx context.Context, e store.Email) error
	DeleteEmail(ctx context.Context, id string) error
	EmailsByIDs(ctx context.Context, ids []string) ([]store.Email, error)
	UpdateLabels(ctx context.Context, id string, labels []string) error

	FileExists(ctx context.Context, emailID, fileName string, category store.FileCategory) (bool, error)
	InsertFile(ctx context.Context, f store.File) (bool, error)
	InsertRecipientLinks(ctx context.Context, links []store.Recipient) (int, error)
}

type Options struct {
	Providers ProviderFactory
	Store     Store
	Blobs     blob.Store

	BatchSize  int
	FetchChunk int
	ApplyChunk int
}

// Engine reconciles remote mailboxes into the mirror store.
type Engine struct {
	providers ProviderFactory
	store     Store
	blobs     blob.Store

	batchSize  int
	fetchChunk int
	applyChunk int
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		providers:  opts.Providers,
		store:      opts.Store,
		blobs:      opts.Blobs,
		batchSize:  opts.BatchSize,
		fetchChunk: opts.FetchChunk,
		applyChunk: opts.ApplyChunk,
	}

	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}

	if e.fetchChunk <= 0 {
		e.fetchChunk = DefaultFetchChunk
	}

	if e.applyChunk <= 0 {
		e.applyChunk = DefaultApplyChunk
	}

	return e
}

// Summary reports the outcome of one sync run.
type Summary struct {
	Threads       int
	Fetched       int
	Persisted     int
	Skipped       int
	Failed        int
	Deleted       int
	LabelsUpdated int
	EmailIDs      []string

	// HistoryID is the provider history id the mirror is now consistent with.
	HistoryID uint64
}

// tally collects per-item outcomes from concurrent workers.
type tally struct {
	mu sync.Mutex
	s  Summary
}

func (t *tally) add(fn func(s *Summary)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(&t.s)
}

func (t *tally) summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.s
	s.EmailIDs = append([]string(nil), t.s.EmailIDs...)

	return s
}

func (e *Engine) provider(ctx context.Context, userID string) (MailProvider, error) {
	p, err := e.providers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to init provider: %w", err)
	}

	return p, nil
}

// Backfill mirrors every remote thread that is not mirrored yet. The summary carries
// the history id read before the thread listing.
func (e *Engine) Backfill(ctx context.Context, userID string) (Summary, error) {
	p, err := e.provider(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	return e.backfill(ctx, p, userID)
}

func (e *Engine) backfill(ctx context.Context, p MailProvider, userID string) (Summary, error) {
	log := logrus.WithField("user", userID)

	// Changes after this point are replayed by the next delta sync, including
	// threads created while the listing below runs.
	historyID, err := p.CurrentHistoryID(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read current history id: %w", err)
	}

	remote, err := p.ListThreadIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list threads: %w", err)
	}

	existing, err := e.store.ExistingThreadIDs(ctx, remote)
	if err != nil {
		return Summary{}, err
	}

	mirrored := make(sets.Map[string])
	for _, id := range existing {
		mirrored.Add(id)
	}

	unseen := xslices.Filter(remote, func(id string) bool { return !mirrored.Contains(id) })

	log.WithFields(logrus.Fields{
		"remote":   len(remote),
		"unseen":   len(unseen),
		"batchLen": e.batchSize,
	}).Info("Starting backfill")

	t := &tally{}

	for _, batch := range xslices.Chunk(unseen, e.batchSize) {
		envs := make([][]*envelope.Envelope, len(batch))

		if err := parallel.DoContext(ctx, len(batch), len(batch), func(ctx context.Context, i int) error {
			envs[i] = e.fetchThread(ctx, p, userID, batch[i], t)
			return nil
		}); err != nil {
			return t.summary(), err
		}

		e.apply(ctx, userID, flatten(envs), t)

		if err := ctx.Err(); err != nil {
			return t.summary(), err
		}
	}

	summary := t.summary()
	summary.HistoryID = historyID

	log.WithFields(logrus.Fields{
		"threads":   summary.Threads,
		"persisted": summary.Persisted,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
	}).Info("Backfill finished")

	return summary, nil
}

// fetchThread mirrors the thread row and returns the parsed envelopes of its messages.
func (e *Engine) fetchThread(ctx context.Context, p MailProvider, userID, threadID string, t *tally) []*envelope.Envelope {
	log := logrus.WithFields(logrus.Fields{"user": userID, "thread": threadID})

	thread, err := p.GetThread(ctx, threadID)
	if err != nil {
		log.WithError(err).Warn("Failed to fetch thread")
		t.add(func(s *Summary) { s.Failed++ })

		return nil
	}

	if len(thread.Messages) == 0 {
		return nil
	}

	var envs []*envelope.Envelope

	for _, ref := range thread.Messages {
		env, err := e.fetchEnvelope(ctx, p, ref.ID)
		if err != nil {
			log.WithField("message", ref.ID).WithError(err).Warn("Failed to fetch message")
			t.add(func(s *Summary) { s.Failed++ })

			continue
		}

		envs = append(envs, env)
	}

	t.add(func(s *Summary) { s.Fetched += len(envs) })

	latest := latestMessage(thread.Messages)

	row := store.Thread{
		ID:        thread.ID,
		UserID:    userID,
		Snippet:   thread.Snippet,
		HistoryID: thread.HistoryID,
		Date:      latest.InternalDate,
	}

	for _, env := range envs {
		if env.ID == latest.ID {
			row.Subject = env.Subject
			row.Snippet = env.Snippet
		}
	}

	if row.Subject == "" && len(envs) > 0 {
		row.Subject = envs[0].Subject
	}

	if err := e.store.UpsertThread(ctx, row); err != nil {
		log.WithError(err).Error("Failed to store thread")
		t.add(func(s *Summary) { s.Failed += len(envs) })

		return nil
	}

	t.add(func(s *Summary) { s.Threads++ })

	return envs
}

// latestMessage picks the message with the greatest internal date, breaking ties
// by the lexically greatest id.
func latestMessage(refs []MessageRef) MessageRef {
	latest := refs[0]

	for _, ref := range refs[1:] {
		if ref.InternalDate.After(latest.InternalDate) ||
			(ref.InternalDate.Equal(latest.InternalDate) && ref.ID > latest.ID) {
			latest = ref
		}
	}

	return latest
}

func (e *Engine) fetchEnvelope(ctx context.Context, p MailProvider, id string) (*envelope.Envelope, error) {
	msg, err := p.GetRawMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	env, err := envelope.Parse(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message %s: %w", id, err)
	}

	env.ID = msg.ID
	env.ThreadID = msg.ThreadID
	env.Labels = msg.LabelIDs
	env.Snippet = msg.Snippet
	env.InternalDate = msg.InternalDate

	if env.InternalDate.IsZero() {
		env.InternalDate = env.Date
	}

	if env.InternalDate.IsZero() {
		env.InternalDate = time.Now()
	}

	return env, nil
}

// apply persists envelopes in sequential chunks of concurrent writes, senders first.
func (e *Engine) apply(ctx context.Context, userID string, envs []*envelope.Envelope, t *tally) {
	if len(envs) == 0 {
		return
	}

	senders, err := e.ensurePersons(ctx, xslices.Map(envs, func(env *envelope.Envelope) envelope.Address { return env.From }))
	if err != nil {
		logrus.WithField("user", userID).WithError(err).Error("Failed to store senders")
		t.add(func(s *Summary) { s.Failed += len(envs) })

		return
	}

	for _, chunk := range xslices.Chunk(envs, e.applyChunk) {
		if err := parallel.DoContext(ctx, len(chunk), len(chunk), func(ctx context.Context, i int) error {
			e.persist(ctx, userID, chunk[i], senders, t)
			return nil
		}); err != nil {
			return
		}
	}
}

func (e *Engine) persist(ctx context.Context, userID string, env *envelope.Envelope, senders map[string]store.Person, t *tally) {
	persisted, err := e.persistEnvelope(ctx, userID, env, senders)

	switch {
	case err != nil:
		logrus.WithFields(logrus.Fields{
			"user":    userID,
			"message": env.ID,
			"thread":  env.ThreadID,
		}).WithError(err).Warn("Failed to persist message")

		t.add(func(s *Summary) { s.Failed++ })

	case persisted:
		t.add(func(s *Summary) {
			s.Persisted++
			s.EmailIDs = append(s.EmailIDs, env.ID)
		})

	default:
		t.add(func(s *Summary) { s.Skipped++ })
	}
}

// DeltaSync applies the remote changes after since. An expired since falls back to
// a backfill.
func (e *Engine) DeltaSync(ctx context.Context, userID string, since uint64) (Summary, error) {
	log := logrus.WithFields(logrus.Fields{"user": userID, "since": since})

	p, err := e.provider(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	delta, err := p.GetHistory(ctx, since)
	if errors.Is(err, mailerr.ErrNotFound) {
		log.Warn("History id expired, falling back to backfill")
		return e.backfill(ctx, p, userID)
	} else if err != nil {
		return Summary{}, fmt.Errorf("failed to read history: %w", err)
	}

	ops := collapse(delta.Ops)

	log.WithFields(logrus.Fields{
		"ops":    len(ops),
		"labels": len(delta.LabelChanges),
	}).Debug("Applying history")

	t := &tally{}

	for _, chunk := range xslices.Chunk(ops, e.fetchChunk) {
		e.applyOps(ctx, p, userID, chunk, t)

		if err := ctx.Err(); err != nil {
			return t.summary(), err
		}
	}

	summary := t.summary()

	e.applyLabelChanges(ctx, userID, delta.LabelChanges, ops, &summary)

	summary.HistoryID = max(delta.HistoryID, since)

	log.WithFields(logrus.Fields{
		"persisted": summary.Persisted,
		"deleted":   summary.Deleted,
		"labels":    summary.LabelsUpdated,
		"failed":    summary.Failed,
		"historyId": summary.HistoryID,
	}).Info("Delta sync finished")

	return summary, nil
}

// collapse keeps only the last operation of every message, in history order.
func collapse(ops []HistoryOp) []HistoryOp {
	last := make(map[string]int, len(ops))
	for i, op := range ops {
		last[op.Message.ID] = i
	}

	collapsed := make([]HistoryOp, 0, len(last))

	for i, op := range ops {
		if last[op.Message.ID] == i {
			collapsed = append(collapsed, op)
		}
	}

	return collapsed
}

func (e *Engine) applyOps(ctx context.Context, p MailProvider, userID string, ops []HistoryOp, t *tally) {
	envs := make([]*envelope.Envelope, len(ops))

	if err := parallel.DoContext(ctx, len(ops), len(ops), func(ctx context.Context, i int) error {
		op := ops[i]
		if op.Kind != OpAdd {
			return nil
		}

		log := logrus.WithFields(logrus.Fields{"user": userID, "message": op.Message.ID, "thread": op.Message.ThreadID})

		exists, err := e.store.EmailExists(ctx, op.Message.ID)
		if err != nil {
			log.WithError(err).Warn("Failed to check message")
			t.add(func(s *Summary) { s.Failed++ })

			return nil
		}

		if exists {
			t.add(func(s *Summary) { s.Skipped++ })
			return nil
		}

		env, err := e.fetchEnvelope(ctx, p, op.Message.ID)
		if errors.Is(err, mailerr.ErrNotFound) {
			log.Debug("Message vanished before fetch")
			t.add(func(s *Summary) { s.Skipped++ })

			return nil
		} else if err != nil {
			log.WithError(err).Warn("Failed to fetch message")
			t.add(func(s *Summary) { s.Failed++ })

			return nil
		}

		t.add(func(s *Summary) { s.Fetched++ })
		envs[i] = env

		return nil
	}); err != nil {
		return
	}

	fetched := xslices.Filter(envs, func(env *envelope.Envelope) bool { return env != nil })

	senders, err := e.ensurePersons(ctx, xslices.Map(fetched, func(env *envelope.Envelope) envelope.Address { return env.From }))
	if err != nil {
		logrus.WithField("user", userID).WithError(err).Error("Failed to store senders")
		t.add(func(s *Summary) { s.Failed += len(fetched) })

		envs = make([]*envelope.Envelope, len(ops))
	}

	indices := make([]int, len(ops))
	for i := range ops {
		indices[i] = i
	}

	for _, chunk := range xslices.Chunk(indices, e.applyChunk) {
		if err := parallel.DoContext(ctx, len(chunk), len(chunk), func(ctx context.Context, j int) error {
			i := chunk[j]

			switch ops[i].Kind {
			case OpAdd:
				if envs[i] != nil {
					e.persist(ctx, userID, envs[i], senders, t)
				}

			case OpDelete:
				e.delete(ctx, userID, ops[i].Message, t)
			}

			return nil
		}); err != nil {
			return
		}
	}
}

func (e *Engine) delete(ctx context.Context, userID string, ref MessageRef, t *tally) {
	err := e.store.DeleteEmail(ctx, ref.ID)

	switch {
	case errors.Is(err, mailerr.ErrNotFound):
		t.add(func(s *Summary) { s.Skipped++ })

	case err != nil:
		logrus.WithFields(logrus.Fields{
			"user":    userID,
			"message": ref.ID,
			"thread":  ref.ThreadID,
		}).WithError(err).Warn("Failed to delete message")

		t.add(func(s *Summary) { s.Failed++ })

	default:
		t.add(func(s *Summary) { s.Deleted++ })
	}
}

// applyLabelChanges folds label additions and removals into mirrored rows. Messages
// touched by ops already carry their current labels and are left alone.
func (e *Engine) applyLabelChanges(ctx context.Context, userID string, changes []LabelChange, ops []HistoryOp, summary *Summary) {
	if len(changes) == 0 {
		return
	}

	touched := make(sets.Map[string])
	for _, op := range ops {
		touched.Add(op.Message.ID)
	}

	var ids []string

	for _, c := range changes {
		if !touched.Contains(c.MessageID) {
			ids = append(ids, c.MessageID)
			touched.Add(c.MessageID)
		}
	}

	emails, err := e.store.EmailsByIDs(ctx, ids)
	if err != nil {
		logrus.WithField("user", userID).WithError(err).Warn("Failed to load labelled messages")
		return
	}

	labels := make(map[string][]string, len(emails))
	for _, email := range emails {
		labels[email.ID] = email.Labels
	}

	changed := make(sets.Map[string])

	for _, c := range changes {
		current, ok := labels[c.MessageID]
		if !ok {
			continue
		}

		labels[c.MessageID] = ApplyLabels(current, c.Added, c.Removed)
		changed.Add(c.MessageID)
	}

	for _, id := range ids {
		if !changed.Contains(id) {
			continue
		}

		if err := e.store.UpdateLabels(ctx, id, labels[id]); err != nil {
			if !errors.Is(err, mailerr.ErrNotFound) {
				logrus.WithFields(logrus.Fields{"user": userID, "message": id}).WithError(err).Warn("Failed to update labels")
				summary.Failed++
			}

			continue
		}

		summary.LabelsUpdated++
	}
}

// ApplyLabels returns (labels - removed) + added, deduplicated and sorted.
func ApplyLabels(labels, added, removed []string) []string {
	set := make(sets.Map[string])

	for _, l := range labels {
		set.Add(l)
	}

	for _, l := range removed {
		set.Remove(l)
	}

	for _, l := range added {
		set.Add(l)
	}

	result := make([]string, 0, len(set))
	for l := range set {
		result = append(result, l)
	}

	sort.Strings(result)

	return result
}

// RegisterWatch registers a push watch on the user's mailbox.
func (e *Engine) RegisterWatch(ctx context.Context, userID string) (*WatchResult, error) {
	p, err := e.provider(ctx, userID)
	if err != nil {
		return nil, err
	}

	return p.RegisterPushWatch(ctx)
}

func flatten[T any](groups [][]T) []T {
	var all []T
	for _, g := range groups {
		all = append(all, g...)
	}

	return all
}
