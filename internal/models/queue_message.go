package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// TaskKind routes a queue message to its executor
type TaskKind string

const (
	TaskSplitPDF       TaskKind = "split_pdf"
	TaskConvertPage    TaskKind = "convert_page"
	TaskMerge          TaskKind = "merge"
	TaskExecuteCrawler TaskKind = "execute_crawler"
)

// Queue names. Conversion tasks and crawler tasks scale independently.
const (
	QueueConversion = "conversion"
	QueueCrawler    = "crawler"
)

// QueueForTask returns the queue a task kind is routed to.
func QueueForTask(kind TaskKind) string {
	if kind == TaskExecuteCrawler {
		return QueueCrawler
	}
	return QueueConversion
}

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the task.
type QueueMessage struct {
	Kind    TaskKind        `json:"kind"`
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// ExpiresAt drops the message on dequeue once passed. Used for
	// scheduler triggers so late firings are discarded, not stacked.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ExecuteCrawlerPayload carries the execution trigger details.
type ExecuteCrawlerPayload struct {
	CrawlerJobID   string    `json:"crawler_job_id"`
	ExecutionJobID string    `json:"execution_job_id,omitempty"`
	FireInstant    time.Time `json:"fire_instant"`
	// Manual marks a "run now" dispatch, which bypasses the scheduler
	// and does not advance next_runs.
	Manual bool `json:"manual,omitempty"`
}
