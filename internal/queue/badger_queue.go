package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// envelope wraps a queue message with delivery bookkeeping.
type envelope struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
	DedupID      string              `json:"dedup_id,omitempty"`
}

// DeadLetterFunc receives a message dropped after exhausting its
// delivery budget, so the owning job can be failed instead of stranded.
type DeadLetterFunc func(msg models.QueueMessage, reason string)

// BadgerQueue implements a persistent at-least-once queue on BadgerDB.
//
// Layout:
//
//	queue:{name}:msg:{id}                 -> envelope JSON
//	queue:{name}:index:{visibleAt}:{id}   -> empty (visibility ordering)
//	queue:{name}:dedup:{dedupID}          -> message id (pending dedup guard)
//
// A received message stays invisible for the visibility timeout; the
// done callback removes it. Without the callback it becomes visible
// again and is redelivered, up to maxReceive times.
type BadgerQueue struct {
	db                *badger.DB
	name              string
	visibilityTimeout time.Duration
	maxReceive        int
	deadLetter        DeadLetterFunc
	logger            arbor.ILogger
}

// NewBadgerQueue creates a queue over an externally managed Badger DB.
func NewBadgerQueue(db *badger.DB, name string, visibilityTimeout time.Duration, maxReceive int, logger arbor.ILogger) (*BadgerQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db is required")
	}
	if name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &BadgerQueue{
		db:                db,
		name:              name,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		logger:            logger,
	}, nil
}

// SetDeadLetterFunc installs the hook invoked after a message is
// dropped for exceeding its max receive count. Expired messages do not
// dead-letter; expiry is how late scheduler triggers are discarded.
func (q *BadgerQueue) SetDeadLetterFunc(fn DeadLetterFunc) {
	q.deadLetter = fn
}

// Enqueue adds a message. With a DedupID, the enqueue is a silent no-op
// while a message carrying the same ID is still pending.
func (q *BadgerQueue) Enqueue(ctx context.Context, msg models.QueueMessage, opts *interfaces.EnqueueOptions) error {
	id := uuid.New().String()

	env := envelope{
		ID:         id,
		Body:       msg,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(),
	}
	if opts != nil {
		env.DedupID = opts.DedupID
		if opts.DelaySeconds > 0 {
			env.VisibleAt = env.VisibleAt.Add(time.Duration(opts.DelaySeconds) * time.Second)
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return q.db.Update(func(txn *badger.Txn) error {
		if env.DedupID != "" {
			dedupKey := q.dedupKey(env.DedupID)
			if existing, err := txn.Get(dedupKey); err == nil {
				// Guard is live only while the referenced message still exists.
				var pendingID string
				_ = existing.Value(func(val []byte) error {
					pendingID = string(val)
					return nil
				})
				if _, err := txn.Get(q.msgKey(pendingID)); err == nil {
					q.logger.Debug().
						Str("queue", q.name).
						Str("dedup_id", env.DedupID).
						Msg("Duplicate message suppressed")
					return nil
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(dedupKey, []byte(id)); err != nil {
				return err
			}
		}

		if err := txn.Set(q.msgKey(id), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(env.VisibleAt, id), []byte{})
	})
}

// Receive pulls the next visible, unexpired message. Expired messages
// and messages past maxReceive are dropped during the scan. Returns
// models.ErrNoMessage when nothing is ready.
func (q *BadgerQueue) Receive(ctx context.Context) (*models.QueueMessage, func() error, error) {
	var env envelope
	var msgID string
	found := false
	var exhausted []models.QueueMessage

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", q.name))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			// Index keys sort by visibility; the first future entry ends
			// the scan.
			if ts.After(now) {
				break
			}

			item, err := txn.Get(q.msgKey(id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Orphaned index entry.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var candidate envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &candidate)
			}); err != nil {
				return err
			}

			if !candidate.Body.ExpiresAt.IsZero() && now.After(candidate.Body.ExpiresAt) {
				q.logger.Warn().
					Str("queue", q.name).
					Str("kind", string(candidate.Body.Kind)).
					Str("job_id", candidate.Body.JobID).
					Msg("Dropping expired message")
				if err := q.remove(txn, key, id, candidate.DedupID); err != nil {
					return err
				}
				continue
			}

			if candidate.ReceiveCount >= q.maxReceive {
				q.logger.Warn().
					Str("queue", q.name).
					Str("kind", string(candidate.Body.Kind)).
					Str("job_id", candidate.Body.JobID).
					Int("receive_count", candidate.ReceiveCount).
					Msg("Dropping message past max receive count")
				if err := q.remove(txn, key, id, candidate.DedupID); err != nil {
					return err
				}
				exhausted = append(exhausted, candidate.Body)
				continue
			}

			env = candidate
			msgID = id
			found = true

			// Claim: bump receive count and push visibility forward.
			env.ReceiveCount++
			env.VisibleAt = now.Add(q.visibilityTimeout)

			data, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := txn.Set(q.msgKey(id), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			return txn.Set(q.indexKey(env.VisibleAt, id), []byte{})
		}

		// An empty scan must return nil: erroring out of the closure
		// would roll back the orphan, expiry, and exhaustion deletions
		// made above.
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// Dead-letter after the drops have committed; the hook may write to
	// other stores.
	if q.deadLetter != nil {
		for _, msg := range exhausted {
			q.deadLetter(msg, "max receive count exceeded")
		}
	}

	if !found {
		return nil, nil, models.ErrNoMessage
	}

	done := func() error {
		return q.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(q.msgKey(msgID))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					return nil // Already acked or dropped.
				}
				return err
			}
			var current envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}
			return q.remove(txn, q.indexKey(current.VisibleAt, msgID), msgID, current.DedupID)
		})
	}

	return &env.Body, done, nil
}

// Len counts stored messages, visible or in flight.
func (q *BadgerQueue) Len(ctx context.Context) (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", q.name))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// remove deletes a message, its index entry, and its dedup guard.
func (q *BadgerQueue) remove(txn *badger.Txn, indexKey []byte, id, dedupID string) error {
	if err := txn.Delete(indexKey); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if err := txn.Delete(q.msgKey(id)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if dedupID != "" {
		if err := txn.Delete(q.dedupKey(dedupID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}
	return nil
}

func (q *BadgerQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.name, id))
}

func (q *BadgerQueue) dedupKey(dedupID string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dedup:%s", q.name, dedupID))
}

func (q *BadgerQueue) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad so string order matches numeric order.
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.name, visibleAt.UnixNano(), id))
}

func (q *BadgerQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", q.name)
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 { // 20-digit timestamp, colon, at least one id byte
		return time.Time{}, "", fmt.Errorf("invalid index key: %s", key)
	}
	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
