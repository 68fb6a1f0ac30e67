package longpoll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebula-components/pkg/logger"
)

var ErrDuplicateSession = errors.New("longpoll: duplicate session name")

// Manager runs independent sessions side by side. A failing session does
// not affect the others.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		logger:   logger.OrGlobal(log).With(zap.String("component", "longpoll_manager")),
		sessions: make(map[string]*Session),
	}
}

// Add registers s under its name.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.Name())
	}
	m.sessions[s.Name()] = s
	return nil
}

// Session returns the session registered under name.
func (m *Manager) Session(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Names returns the registered session names in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Start starts every session that is not running yet.
func (m *Manager) Start(ctx context.Context) error {
	for _, s := range m.snapshot() {
		if err := s.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			return fmt.Errorf("start session %s: %w", s.Name(), err)
		}
	}
	m.logger.Info("long-poll sessions started", zap.Strings("sessions", m.Names()))
	return nil
}

// Wait blocks until every started session has ended and returns the first session
// failure, if any.
func (m *Manager) Wait() error {
	var g errgroup.Group
	for _, s := range m.snapshot() {
		if !s.started.Load() {
			continue
		}
		g.Go(func() error {
			<-s.Done()
			if err := s.Err(); err != nil {
				return fmt.Errorf("session %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run starts all sessions and waits for them. Cancelling ctx stops them.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		m.Stop()
		return err
	}
	return m.Wait()
}

// Stop stops all sessions concurrently.
func (m *Manager) Stop() {
	var g errgroup.Group
	for _, s := range m.snapshot() {
		g.Go(func() error {
			s.Stop()
			return nil
		})
	}
	_ = g.Wait()
}
