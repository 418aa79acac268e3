package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

type runnerHandle struct {
	cancel context.CancelFunc
}

// Manager manages per-user sync runners
type Manager struct {
	runner *Runner

	runners      map[string]*runnerHandle
	runnersMutex sync.RWMutex
	wg           sync.WaitGroup
}

func NewManager(runner *Runner) *Manager {
	return &Manager{
		runner:  runner,
		runners: make(map[string]*runnerHandle),
	}
}

// StartSync starts a background runner for the user
func (m *Manager) StartSync(ctx context.Context, userID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[userID]; exists {
		return fmt.Errorf("sync already running for %s", userID)
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	handle := &runnerHandle{cancel: cancel}
	m.runners[userID] = handle

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer cancel()

		log := logrus.WithField("user", userID)
		log.Info("Sync started")

		if err := m.runner.Run(runnerCtx, userID); err != nil {
			log.WithError(err).Error("Sync stopped with error")
		}

		m.runnersMutex.Lock()
		if m.runners[userID] == handle {
			delete(m.runners, userID)
		}
		m.runnersMutex.Unlock()

		log.Info("Sync stopped")
	}()

	return nil
}

// StopSync stops the runner of the user
func (m *Manager) StopSync(userID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	handle, exists := m.runners[userID]
	if !exists {
		return fmt.Errorf("no sync running for %s", userID)
	}

	handle.cancel()
	delete(m.runners, userID)

	return nil
}

func (m *Manager) IsRunning(userID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[userID]

	return exists
}

// StopAll cancels every runner and waits for them to return
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()

	for userID, handle := range m.runners {
		logrus.WithField("user", userID).Debug("Stopping sync")
		handle.cancel()
	}

	m.runners = make(map[string]*runnerHandle)
	m.runnersMutex.Unlock()

	m.wg.Wait()
}

// RunningSyncs returns the users with an active runner, sorted.
func (m *Manager) RunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	users := make([]string, 0, len(m.runners))
	for userID := range m.runners {
		users = append(users, userID)
	}

	sort.Strings(users)

	return users
}
