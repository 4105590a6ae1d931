package issuerelay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ActivityPost is one pending activity update destined for the issue
// tracker. Posts are drained asynchronously by the orchestrator's activity
// worker; failure to deliver never affects session state.
type ActivityPost struct {
	SessionID    string    `json:"sessionId"`
	RepositoryID string    `json:"repositoryId"`
	IssueID      string    `json:"issueId,omitempty"`
	Body         string    `json:"body"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	Attempts     int       `json:"attempts,omitempty"`
}

type ActivityQueue interface {
	TryEnqueue(post ActivityPost) bool
	Enqueue(ctx context.Context, post ActivityPost) bool
	Dequeue(ctx context.Context) (ActivityPost, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryActivityQueue struct {
	ch chan ActivityPost
}

func NewInMemoryActivityQueue(capacity int) ActivityQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryActivityQueue{
		ch: make(chan ActivityPost, capacity),
	}
}

func (q *inMemoryActivityQueue) TryEnqueue(post ActivityPost) bool {
	if q == nil || post.SessionID == "" {
		return false
	}
	select {
	case q.ch <- post:
		return true
	default:
		return false
	}
}

func (q *inMemoryActivityQueue) Enqueue(ctx context.Context, post ActivityPost) bool {
	if q == nil || post.SessionID == "" {
		return false
	}
	select {
	case q.ch <- post:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryActivityQueue) Dequeue(ctx context.Context) (ActivityPost, bool) {
	if q == nil {
		return ActivityPost{}, false
	}
	select {
	case post := <-q.ch:
		return post, true
	case <-ctx.Done():
		return ActivityPost{}, false
	}
}

func (q *inMemoryActivityQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryActivityQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryActivityQueue) Close() error {
	return nil
}

// BuildActivityQueueFromDSN mirrors BuildStateBackendFromDSN for the
// activity queue: file://, memory:// and postgres:// are built in,
// registered factories win over the built-ins, empty DSN yields (nil, nil).
func BuildActivityQueueFromDSN(dsn string, capacity int) (ActivityQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupActivityQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileActivityQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryActivityQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresActivityQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: activity queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported activity queue scheme: %s", scheme)
	}
}
