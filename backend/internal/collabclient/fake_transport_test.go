package collabclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSub struct{ doc string }

func (s *fakeSub) DocumentID() string { return s.doc }

// fakeTransport records what the client publishes and lets the test drive
// the handlers directly.
type fakeTransport struct {
	mu           sync.Mutex
	snapshot     Snapshot
	subscribeErr error
	publishErr   error
	handlers     Handlers
	joins        []JoinRequest
	unsubscribes int
	ops          []Operation
	cursors      []Cursor
	beats        []PresenceBeat
	// afterJoin 在 OnJoin 之后、Subscribe 返回之前执行
	afterJoin func()
}

func (f *fakeTransport) Subscribe(ctx context.Context, req JoinRequest, h Handlers) (Subscription, error) {
	f.mu.Lock()
	f.joins = append(f.joins, req)
	if f.subscribeErr != nil {
		f.mu.Unlock()
		return nil, f.subscribeErr
	}
	f.handlers = h
	snap := f.snapshot
	f.mu.Unlock()
	h.OnJoin(snap)
	if f.afterJoin != nil {
		f.afterJoin()
	}
	return &fakeSub{doc: req.DocumentID}, nil
}

func (f *fakeTransport) PublishOperation(ctx context.Context, docID string, op Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeTransport) PublishCursor(ctx context.Context, docID string, cur Cursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cur)
	return nil
}

func (f *fakeTransport) PublishPresence(ctx context.Context, docID string, beat PresenceBeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, beat)
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
	return nil
}

func (f *fakeTransport) current() Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

func (f *fakeTransport) published() []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Operation(nil), f.ops...)
}

func (f *fakeTransport) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

// errorLog collects errors passed to OnError.
type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorLog) add(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errorLog) has(target error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, err := range e.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
