package queue

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
)

// Manager hands out named queues backed by one Badger DB, kept in a
// directory separate from the document store so queue churn does not
// affect record compaction.
type Manager struct {
	db                *badger.DB
	visibilityTimeout time.Duration
	maxReceive        int
	logger            arbor.ILogger

	mu         sync.Mutex
	queues     map[string]*BadgerQueue
	deadLetter DeadLetterFunc
}

// NewManager opens the queue database under the given directory.
func NewManager(logger arbor.ILogger, dir string, config *common.QueueConfig) (*Manager, error) {
	if dir == "" {
		return nil, common.InvalidInputf("queue directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	visibility := 5 * time.Minute
	if config.VisibilityTimeout != "" {
		d, err := time.ParseDuration(config.VisibilityTimeout)
		if err != nil {
			return nil, common.InvalidInputf("invalid visibility_timeout: %v", err)
		}
		visibility = d
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	logger.Debug().Str("dir", dir).Msg("Queue manager initialized")

	return &Manager{
		db:                db,
		visibilityTimeout: visibility,
		maxReceive:        config.MaxReceive,
		logger:            logger,
		queues:            make(map[string]*BadgerQueue),
	}, nil
}

// Queue returns the named queue, creating it on first use.
func (m *Manager) Queue(name string) interfaces.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q
	}
	q, err := NewBadgerQueue(m.db, name, m.visibilityTimeout, m.maxReceive, m.logger)
	if err != nil {
		// Construction only fails on bad arguments; name is the caller's.
		panic(fmt.Sprintf("queue %q: %v", name, err))
	}
	q.SetDeadLetterFunc(m.deadLetter)
	m.queues[name] = q
	return q
}

// SetDeadLetterFunc installs the exhaustion hook on every queue,
// current and future.
func (m *Manager) SetDeadLetterFunc(fn DeadLetterFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetter = fn
	for _, q := range m.queues {
		q.SetDeadLetterFunc(fn)
	}
}

// Close closes the queue database.
func (m *Manager) Close() error {
	return m.db.Close()
}
