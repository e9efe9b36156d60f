// Package queue provides the sync request queue feeding the single sync consumer.
//
// Every trigger (network transition, startup, manual request, deferred task,
// retry) becomes a Request. A request for a type already pending is merged
// into the pending one, and a pending "all" absorbs "sales" and "inventory".
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// Reason records what triggered a request.
type Reason string

const (
	ReasonOnline   Reason = "online"
	ReasonStartup  Reason = "startup"
	ReasonManual   Reason = "manual"
	ReasonDeferred Reason = "deferred"
	ReasonRecord   Reason = "record_added"
	ReasonRetry    Reason = "retry"
)

// RequestStatus represents the status of a request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
)

// Request is one sync pass waiting to run.
type Request struct {
	ID         string
	Type       models.SyncType
	Reason     Reason
	RetryCount int
	NotBefore  time.Time
	CreatedAt  time.Time
	Status     RequestStatus

	// requests merged into this one; completed together with it
	merged []*Request

	done   chan struct{}
	result *models.SyncResult
	err    error
}

// Done is closed when the pass serving this request has finished.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request completes and returns the pass result.
func (r *Request) Wait(ctx context.Context) (*models.SyncResult, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestQueue is a de-duplicating queue with one consumer.
type RequestQueue struct {
	mu      sync.Mutex
	pending []*Request
	wake    chan struct{}
	now     func() time.Time
}

// NewRequestQueue creates an empty RequestQueue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Enqueue adds an immediate request. It returns the request that will serve
// the caller and whether a new entry was created.
func (q *RequestQueue) Enqueue(t models.SyncType, reason Reason) (*Request, bool) {
	return q.enqueue(t, reason, 0, 0)
}

// EnqueueAfter adds a request that becomes ready after delay.
func (q *RequestQueue) EnqueueAfter(t models.SyncType, reason Reason, delay time.Duration, retryCount int) (*Request, bool) {
	return q.enqueue(t, reason, delay, retryCount)
}

func (q *RequestQueue) enqueue(t models.SyncType, reason Reason, delay time.Duration, retryCount int) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	notBefore := now.Add(delay)

	// An existing pending request already covers this one
	for _, p := range q.pending {
		if p.Type.Covers(t) {
			if notBefore.Before(p.NotBefore) {
				p.NotBefore = notBefore
				p.Reason = reason
				q.signal()
			}
			if reason == ReasonManual {
				p.Reason = reason
			}
			logging.Debug("Sync request merged", map[string]interface{}{
				"type":       string(t),
				"reason":     string(reason),
				"pending_id": p.ID,
			})
			return p, false
		}
	}

	req := &Request{
		ID:         uuid.New().String(),
		Type:       t,
		Reason:     reason,
		RetryCount: retryCount,
		NotBefore:  notBefore,
		CreatedAt:  now,
		Status:     RequestPending,
		done:       make(chan struct{}),
	}

	// A broader request absorbs the narrower pending ones
	kept := q.pending[:0]
	for _, p := range q.pending {
		if t.Covers(p.Type) {
			req.merged = append(req.merged, p)
			if p.NotBefore.Before(req.NotBefore) {
				req.NotBefore = p.NotBefore
			}
			continue
		}
		kept = append(kept, p)
	}
	q.pending = append(kept, req)
	q.signal()

	logging.Debug("Sync request enqueued", map[string]interface{}{
		"id":       req.ID,
		"type":     string(t),
		"reason":   string(reason),
		"delay_ms": delay.Milliseconds(),
	})
	return req, true
}

// Next blocks until a request is ready and removes it from the queue.
func (q *RequestQueue) Next(ctx context.Context) (*Request, error) {
	for {
		req, wait := q.take()
		if req != nil {
			return req, nil
		}

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// take pops the earliest ready request, or reports how long until one is ready.
// A zero wait with no request means the queue is empty.
func (q *RequestQueue) take() (*Request, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	idx := -1
	var earliest time.Time
	for i, p := range q.pending {
		if idx == -1 || p.NotBefore.Before(earliest) {
			idx = i
			earliest = p.NotBefore
		}
	}
	if idx == -1 {
		return nil, 0
	}
	if earliest.After(now) {
		return nil, earliest.Sub(now)
	}

	req := q.pending[idx]
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	req.Status = RequestInProgress
	return req, 0
}

// Complete records the outcome of req and wakes everything waiting on it.
func (q *RequestQueue) Complete(req *Request, result *models.SyncResult, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	complete(req, result, err)
}

func complete(req *Request, result *models.SyncResult, err error) {
	if req.Status == RequestCompleted {
		return
	}
	req.Status = RequestCompleted
	req.result = result
	req.err = err
	close(req.done)
	for _, m := range req.merged {
		complete(m, result, err)
	}
}

// Pending returns copies of the queued requests.
func (q *RequestQueue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Request, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, Request{
			ID:         p.ID,
			Type:       p.Type,
			Reason:     p.Reason,
			RetryCount: p.RetryCount,
			NotBefore:  p.NotBefore,
			CreatedAt:  p.CreatedAt,
			Status:     p.Status,
		})
	}
	return out
}

// Size returns the number of queued requests.
func (q *RequestQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear drops every queued request, completing it with err.
func (q *RequestQueue) Clear(err error) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	for _, p := range q.pending {
		complete(p, nil, err)
	}
	q.pending = nil
	if n > 0 {
		logging.Info("Sync request queue cleared", map[string]interface{}{"dropped": n})
	}
	return n
}

func (q *RequestQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Backoff returns the delay before retry number retryCount.
// Formula: 2^retryCount * base, capped at max.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		return max
	}
	backoff := base * time.Duration(int64(1)<<uint(retryCount))
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	return backoff
}

// TagFor returns the deferred task tag for t.
func TagFor(t models.SyncType) string {
	return "sync-" + string(t)
}

// ParseTag reverses TagFor.
func ParseTag(tag string) (models.SyncType, error) {
	var t models.SyncType
	switch tag {
	case TagFor(models.SyncSales):
		t = models.SyncSales
	case TagFor(models.SyncInventory):
		t = models.SyncInventory
	case TagFor(models.SyncAll):
		t = models.SyncAll
	default:
		return "", fmt.Errorf("unknown sync tag %q", tag)
	}
	return t, nil
}
