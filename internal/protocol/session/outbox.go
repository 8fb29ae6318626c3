package session

import (
	"bytes"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/msgid"
)

// PendingRequest tracks one sent frame awaiting its response.
type PendingRequest struct {
	ID            msgid.ID
	Kind          frame.Kind
	Frame         []byte
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
	// State is caller-owned data needed to check the response.
	State any
}

// Outbox stores pending requests by message id.
type Outbox struct {
	mu    sync.RWMutex
	items map[msgid.ID]PendingRequest
	rng   *rand.Rand
}

// NewOutbox builds an empty outbox. rng drives backoff jitter and may be nil.
func NewOutbox(rng *rand.Rand) *Outbox {
	return &Outbox{
		items: make(map[msgid.ID]PendingRequest),
		rng:   rng,
	}
}

// Upsert stores item. Zero ids are ignored since they cannot be correlated.
func (o *Outbox) Upsert(item PendingRequest) {
	if item.ID.IsZero() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.ID] = item
}

func (o *Outbox) MarkAttempt(id msgid.ID, at time.Time, lastErr string) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[id]
	if !ok {
		return PendingRequest{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[id] = item
	return item, true
}

func (o *Outbox) Get(id msgid.ID) (PendingRequest, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[id]
	return item, ok
}

// Resolve removes and returns the request for id.
func (o *Outbox) Resolve(id msgid.ID) (PendingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[id]
	if ok {
		delete(o.items, id)
	}
	return item, ok
}

func (o *Outbox) Remove(id msgid.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, id)
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// Due returns requests whose resend delay has elapsed at now, oldest first.
// Requests that used up cfg.MaxAttempts are not returned; see Expire.
func (o *Outbox) Due(now time.Time, cfg Config) []PendingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingRequest, 0)
	for _, item := range o.items {
		if cfg.exhausted(item.Attempts) {
			continue
		}
		if o.waited(item, now, cfg) {
			out = append(out, item)
		}
	}
	sortPending(out)
	return out
}

// Expire removes and returns requests that used up cfg.MaxAttempts and
// whose last attempt has had its full resend delay to be answered.
func (o *Outbox) Expire(now time.Time, cfg Config) []PendingRequest {
	if cfg.MaxAttempts <= 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []PendingRequest
	for id, item := range o.items {
		if cfg.exhausted(item.Attempts) && o.waited(item, now, cfg) {
			out = append(out, item)
			delete(o.items, id)
		}
	}
	sortPending(out)
	return out
}

// waited reports whether the resend delay since the last attempt has passed.
// Callers hold o.mu.
func (o *Outbox) waited(item PendingRequest, now time.Time, cfg Config) bool {
	last := item.LastAttemptAt
	if last.IsZero() {
		last = item.QueuedAt
	}
	return !now.Before(last.Add(resendDelay(cfg, item.Attempts, o.rng)))
}

// List returns all pending requests ordered by queue time then id.
func (o *Outbox) List() []PendingRequest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingRequest, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sortPending(out)
	return out
}

func sortPending(items []PendingRequest) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].QueuedAt.Equal(items[j].QueuedAt) {
			return items[i].QueuedAt.Before(items[j].QueuedAt)
		}
		return bytes.Compare(items[i].ID[:], items[j].ID[:]) < 0
	})
}
