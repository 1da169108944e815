package runtime

import (
	"sync"

	"github.com/nats-io/nats.go"
)

type replyResult struct {
	msg *nats.Msg
	err error
}

type pendingRequest struct {
	done chan replyResult
}

// pendingTable correlates reply addresses with waiting requests. Every entry
// is removed exactly once, by whichever of deliver, take or failAll gets it
// first; only the remover may write to done.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: map[string]*pendingRequest{}}
}

func (t *pendingTable) add(addr string) *pendingRequest {
	p := &pendingRequest{done: make(chan replyResult, 1)}
	t.mu.Lock()
	t.entries[addr] = p
	t.mu.Unlock()
	return p
}

func (t *pendingTable) remove(addr string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[addr]
	if ok {
		delete(t.entries, addr)
	}
	return p, ok
}

// deliver resolves the request waiting on addr. Late or duplicate replies are
// dropped.
func (t *pendingTable) deliver(addr string, msg *nats.Msg) bool {
	p, ok := t.remove(addr)
	if ok {
		p.done <- replyResult{msg: msg}
	}
	return ok
}

// take removes addr without resolving it. It reports false when a reply or
// failure already claimed the entry; the result is then waiting on done.
func (t *pendingTable) take(addr string) bool {
	_, ok := t.remove(addr)
	return ok
}

func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = map[string]*pendingRequest{}
	t.mu.Unlock()

	for _, p := range entries {
		p.done <- replyResult{err: err}
	}
	return len(entries)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
