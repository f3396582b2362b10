package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// pendingRequest correlates an outstanding request id with its completion
// callbacks and expiry timer.
type pendingRequest struct {
	id        int64
	method    string
	started   time.Time
	timer     *time.Timer
	onSuccess func(json.RawMessage)
	onFailure func(error)
}

type pendingNotifyFunc func(req *pendingRequest, outcome RequestOutcome, err error)

// pendingTable is owned by exactly one channel instance. Whoever removes an
// entry from the map invokes its callback, so each request resolves once.
type pendingTable struct {
	mu      sync.Mutex
	entries map[int64]*pendingRequest
	sealed  bool
	notify  pendingNotifyFunc
}

func newPendingTable(notify pendingNotifyFunc) *pendingTable {
	if notify == nil {
		notify = func(*pendingRequest, RequestOutcome, error) {}
	}
	return &pendingTable{
		entries: make(map[int64]*pendingRequest),
		notify:  notify,
	}
}

// register adds a pending entry for a request message and arms its timer.
func (t *pendingTable) register(message Message, timeout time.Duration) (*Call, error) {
	call := newCall(message.ID, message.Method)
	req := &pendingRequest{
		id:        message.ID,
		method:    message.Method,
		started:   time.Now(),
		onSuccess: call.succeed,
		onFailure: call.fail,
	}

	t.mu.Lock()
	if t.sealed {
		t.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if _, exists := t.entries[message.ID]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequestID, message.ID)
	}
	t.entries[message.ID] = req
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() {
			t.expire(req, timeout)
		})
	}
	t.mu.Unlock()

	t.notify(req, RequestRegistered, nil)
	return call, nil
}

// resolve completes the entry matching a response message. It reports false
// when no request with that id is pending.
func (t *pendingTable) resolve(message Message) bool {
	req, ok := t.take(message.ID)
	if !ok {
		return false
	}
	if message.Error != nil {
		req.onFailure(message.Error)
		t.notify(req, RequestFailed, message.Error)
		return true
	}
	req.onSuccess(message.Result)
	t.notify(req, RequestResolved, nil)
	return true
}

// discard drops an entry without invoking its callbacks. Used when delivery
// of the request itself failed and the caller gets the send error instead.
func (t *pendingTable) discard(id int64) {
	t.take(id)
}

// failAll fails every pending entry with err. When seal is set no further
// entries can be registered.
func (t *pendingTable) failAll(err error, seal bool) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int64]*pendingRequest)
	if seal {
		t.sealed = true
	}
	for _, req := range entries {
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	t.mu.Unlock()

	for _, req := range entries {
		req.onFailure(err)
		t.notify(req, RequestClosed, err)
	}
	return len(entries)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *pendingTable) take(id int64) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	if req.timer != nil {
		req.timer.Stop()
	}
	return req, true
}

func (t *pendingTable) expire(req *pendingRequest, timeout time.Duration) {
	t.mu.Lock()
	current, ok := t.entries[req.id]
	if !ok || current != req {
		t.mu.Unlock()
		return
	}
	delete(t.entries, req.id)
	t.mu.Unlock()

	err := fmt.Errorf("%w: request %d (%s) after %s", ErrRequestTimeout, req.id, req.method, timeout)
	req.onFailure(err)
	t.notify(req, RequestTimedOut, err)
}
