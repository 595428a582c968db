package pipeline

import (
	"log/slog"
	"math"
	"sync"

	"github.com/Brownie44l1/hcr-api/internal/canvas"
	"github.com/Brownie44l1/hcr-api/internal/logging"
)

// Manager tracks live sessions. Sessions share the classifier but nothing
// else.
type Manager struct {
	classifier Classifier
	cssSize    int
	maxDPR     float64
	opts       canvas.Options
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager producing cssSize surfaces.
func NewManager(c Classifier, cssSize int, maxDPR float64, opts canvas.Options, logger *slog.Logger) *Manager {
	logger = logging.OrDiscard(logger)
	opts.Logger = logger
	return &Manager{
		classifier: c,
		cssSize:    cssSize,
		maxDPR:     maxDPR,
		opts:       opts,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// Create starts a session whose surface is backed at dpr, capped at the
// configured maximum.
func (m *Manager) Create(dpr float64) *Session {
	if m.maxDPR >= 1 {
		dpr = math.Min(dpr, m.maxDPR)
	}
	s := NewSession(canvas.New(m.cssSize, dpr, m.opts), m.classifier, m.logger)

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session opened", "session", s.ID, "dpr", dpr, "live", n)
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove forgets a session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	m.logger.Info("session closed", "session", id, "live", n)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
