package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
)

// BadgerStore keeps blobs in a local badger database.
type BadgerStore struct {
	db       *badger.DB
	gcExitCh chan struct{}
	wg       sync.WaitGroup
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).
		WithLogger(logrus.StandardLogger()).
		WithLoggingLevel(badger.ERROR),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	store := &BadgerStore{
		db:       db,
		gcExitCh: make(chan struct{}),
	}

	store.wg.Add(1)
	go store.collectGarbage()

	return store, nil
}

func (b *BadgerStore) collectGarbage() {
	defer b.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for b.db.RunValueLogGC(0.5) == nil {
			}

		case <-b.gcExitCh:
			return
		}
	}
}

func (b *BadgerStore) Exists(_ context.Context, key string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (b *BadgerStore) Put(_ context.Context, key, _ string, data []byte) (bool, error) {
	var created bool

	if err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		created = true

		return txn.Set([]byte(key), data)
	}); err != nil {
		return false, fmt.Errorf("failed to put %s: %w", key, err)
	}

	return created, nil
}

func (b *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte

	if err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)

		return err
	}); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("blob %s: %w", key, mailerr.ErrNotFound)
		}

		return nil, err
	}

	return data, nil
}

func (b *BadgerStore) URL(key string) string {
	return "blob://" + key
}

func (b *BadgerStore) Close() error {
	close(b.gcExitCh)
	b.wg.Wait()

	return b.db.Close()
}
