package issuerelay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileActivityQueue is a durable FIFO for pending activity posts. Every
// mutation rewrites the backing file with the tmp+rename discipline, so a
// crash loses at most the in-flight mutation.
type fileActivityQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []ActivityPost
}

type fileActivityQueueState struct {
	Items []ActivityPost `json:"items"`
}

func NewFileActivityQueue(path string, capacity int) (ActivityQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileActivityQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []ActivityPost{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileActivityQueue) TryEnqueue(post ActivityPost) bool {
	if strings.TrimSpace(post.SessionID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, post)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileActivityQueue) Enqueue(ctx context.Context, post ActivityPost) bool {
	for {
		if q.TryEnqueue(post) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileActivityQueue) Dequeue(ctx context.Context) (ActivityPost, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]ActivityPost{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return ActivityPost{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ActivityPost{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileActivityQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileActivityQueue) Capacity() int {
	return q.capacity
}

func (q *fileActivityQueue) Close() error {
	return nil
}

func (q *fileActivityQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileActivityQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]ActivityPost(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]ActivityPost(nil), snapshot.Items...)
	return nil
}

func (q *fileActivityQueue) saveLocked() error {
	snapshot := fileActivityQueueState{
		Items: append([]ActivityPost(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
