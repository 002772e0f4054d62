package collabclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"ottowrite/backend/internal/ot/delta"
)

func newTestClient(t *testing.T, ft *fakeTransport, tweak func(*Options)) *Client {
	t.Helper()
	opt := Options{
		DocumentID:        "doc-1",
		UserID:            "alice",
		UserName:          "Alice",
		Transport:         ft,
		HeartbeatInterval: -1,
	}
	if tweak != nil {
		tweak(&opt)
	}
	c, err := New(opt)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

func ins(t *testing.T, pos int, text string, baseLen int) delta.Delta {
	t.Helper()
	d, err := delta.InsertOp(pos, text, baseLen)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func del(t *testing.T, pos, count, baseLen int) delta.Delta {
	t.Helper()
	d, err := delta.DeleteOp(pos, count, baseLen)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestSendOperationIsOptimistic(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "world"}}
	var seen []string
	c := newTestClient(t, ft, func(o *Options) {
		o.OnContentChange = func(s string) { seen = append(seen, s) }
	})
	connect(t, c)

	if err := c.SendOperation(ins(t, 0, "Hello ", 5)); err != nil {
		t.Fatalf("SendOperation() error = %v", err)
	}
	if got := c.Content(); got != "Hello world" {
		t.Fatalf("Content() = %q", got)
	}
	if n := c.PendingCount(); n != 1 {
		t.Fatalf("PendingCount() = %d, want 1 before any ack", n)
	}
	if c.Version() != 1 {
		t.Fatalf("Version() = %d", c.Version())
	}
	if len(seen) == 0 || seen[len(seen)-1] != "Hello world" {
		t.Fatalf("OnContentChange saw %q", seen)
	}
	ops := ft.published()
	if len(ops) != 1 {
		t.Fatalf("published %d ops", len(ops))
	}
	if ops[0].BaseVersion != 0 || ops[0].Seq != 1 || ops[0].OriginUserID != "alice" || ops[0].ClientID != c.ClientID() {
		t.Fatalf("published %+v", ops[0])
	}
}

func TestOnlyHeadIsInFlight(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "ab", Revision: 3}}
	c := newTestClient(t, ft, nil)
	connect(t, c)

	first := ins(t, 2, "c", 2)
	if err := c.SendOperation(first); err != nil {
		t.Fatal(err)
	}
	if err := c.SendOperation(ins(t, 3, "d", 3)); err != nil {
		t.Fatal(err)
	}
	if got := len(ft.published()); got != 1 {
		t.Fatalf("published %d ops before ack, want 1", got)
	}

	ft.current().OnOperation(Operation{Ops: first, Revision: 4, ClientID: c.ClientID(), Seq: 1, OriginUserID: "alice"})
	ops := ft.published()
	if len(ops) != 2 {
		t.Fatalf("published %d ops after ack, want 2", len(ops))
	}
	if ops[1].BaseVersion != 4 || ops[1].Seq != 2 {
		t.Fatalf("second op = %+v, want base 4 seq 2", ops[1])
	}
	if c.PendingCount() != 1 || c.Revision() != 4 || c.Content() != "abcd" {
		t.Fatalf("pending=%d revision=%d content=%q", c.PendingCount(), c.Revision(), c.Content())
	}
}

func TestEditDuringJoinIsPublishedOnConnect(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "ab", Revision: 5}}
	c := newTestClient(t, ft, nil)
	ft.afterJoin = func() {
		if err := c.SendOperation(ins(t, 1, "X", 2)); err != nil {
			t.Error(err)
		}
	}
	connect(t, c)

	ops := ft.published()
	if len(ops) != 1 {
		t.Fatalf("published %d ops after connect, want 1", len(ops))
	}
	if ops[0].BaseVersion != 5 || ops[0].Seq != 1 {
		t.Fatalf("head op = %+v, want base 5 seq 1", ops[0])
	}

	if err := c.SendOperation(ins(t, 3, "y", 3)); err != nil {
		t.Fatal(err)
	}
	if got := len(ft.published()); got != 1 {
		t.Fatalf("published %d ops before ack, want 1", got)
	}
	ft.current().OnOperation(Operation{Ops: ops[0].Ops, Revision: 6, ClientID: c.ClientID(), Seq: 1, OriginUserID: "alice"})
	ops = ft.published()
	if len(ops) != 2 || ops[1].BaseVersion != 6 || ops[1].Seq != 2 {
		t.Fatalf("published = %+v, want second op at base 6 seq 2", ops)
	}
	if c.Content() != "aXby" || c.PendingCount() != 1 {
		t.Fatalf("content=%q pending=%d", c.Content(), c.PendingCount())
	}
}

func TestEditBuildsAgainstCurrentLength(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "héllo", Revision: 1}}
	c := newTestClient(t, ft, nil)
	connect(t, c)

	var seen int
	err := c.Edit(func(length int) (delta.Delta, error) {
		seen = length
		return delta.InsertOp(length, "!", length)
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen != 5 || c.Content() != "héllo!" || c.Length() != 6 {
		t.Fatalf("seen=%d content=%q length=%d", seen, c.Content(), c.Length())
	}

	boom := errors.New("boom")
	err = c.Edit(func(int) (delta.Delta, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if c.Version() != 1 || c.PendingCount() != 1 {
		t.Fatalf("failed build changed state: version=%d pending=%d", c.Version(), c.PendingCount())
	}
}

func TestRemoteOpTransformsPending(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "ab"}}
	c := newTestClient(t, ft, nil)
	connect(t, c)

	if err := c.SendOperation(ins(t, 1, "X", 2)); err != nil {
		t.Fatal(err)
	}
	ft.current().OnOperation(Operation{Ops: ins(t, 1, "Y", 2), Revision: 1, ClientID: "bob-tab", OriginUserID: "bob"})

	// 源端先排序的远端操作在并列插入时靠前
	if got := c.Content(); got != "aYXb" {
		t.Fatalf("Content() = %q, want aYXb", got)
	}
	out, err := c.Outstanding()
	if err != nil {
		t.Fatal(err)
	}
	if want := (delta.Delta{}.Retain(2).Insert("X").Retain(1)); !out.Equal(want) {
		t.Fatalf("Outstanding() = %v, want %v", out, want)
	}

	ft.current().OnOperation(Operation{Ops: out, Revision: 2, ClientID: c.ClientID(), Seq: 1})
	if c.PendingCount() != 0 || c.Revision() != 2 || c.Version() != 2 {
		t.Fatalf("pending=%d revision=%d version=%d", c.PendingCount(), c.Revision(), c.Version())
	}
	if out, _ := c.Outstanding(); out != nil {
		t.Fatalf("Outstanding() after ack = %v", out)
	}
}

func TestRemoteOpRebasesCursors(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{
		Content: "0123456789",
		Cursors: []Cursor{{UserID: "bob", Position: 5}},
	}}
	calls := 0
	c := newTestClient(t, ft, func(o *Options) {
		o.OnCursorChange = func(map[string]CursorPosition) { calls++ }
	})
	connect(t, c)
	c.UpdateCursor(CursorPosition{Position: 9})
	h := ft.current()

	h.OnOperation(Operation{Ops: ins(t, 2, "abc", 10), Revision: 1, ClientID: "carol-tab"})
	if got := c.Cursors()["bob"].Position; got != 8 {
		t.Fatalf("bob after insert = %d, want 8", got)
	}

	h.OnCursor(Cursor{UserID: "dave", Position: 4})
	h.OnOperation(Operation{Ops: del(t, 2, 3, 13), Revision: 2, ClientID: "carol-tab"})
	cursors := c.Cursors()
	if cursors["dave"].Position != 2 {
		t.Fatalf("dave after delete = %d, want 2", cursors["dave"].Position)
	}
	if cursors["bob"].Position != 5 {
		t.Fatalf("bob after delete = %d, want 5", cursors["bob"].Position)
	}
	if local, ok := c.LocalCursor(); !ok || local.Position != 9 {
		t.Fatalf("LocalCursor() = %+v, %v; want 9", local, ok)
	}
	if calls < 4 {
		t.Fatalf("OnCursorChange called %d times", calls)
	}
}

func TestCursorSelectionIsRebased(t *testing.T) {
	start, end := 3, 6
	cur := CursorPosition{Position: 6, SelectionStart: &start, SelectionEnd: &end}
	got := cur.Rebase(delta.Delta{}.Retain(1).Insert("xx").Retain(9))
	if got.Position != 8 || *got.SelectionStart != 5 || *got.SelectionEnd != 8 {
		t.Fatalf("Rebase() = %d [%d,%d]", got.Position, *got.SelectionStart, *got.SelectionEnd)
	}
	if start != 3 {
		t.Fatal("Rebase mutated the original selection")
	}
}

func TestRemoteCursorIsClamped(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "abc"}}
	c := newTestClient(t, ft, nil)
	connect(t, c)
	ft.current().OnCursor(Cursor{UserID: "bob", Position: 40})
	if got := c.Cursors()["bob"].Position; got != 3 {
		t.Fatalf("clamped position = %d, want 3", got)
	}
}

func TestPresenceAndLeave(t *testing.T) {
	ft := &fakeTransport{}
	var last map[string]UserPresence
	c := newTestClient(t, ft, func(o *Options) {
		o.OnPresenceChange = func(p map[string]UserPresence) { last = p }
	})
	connect(t, c)
	h := ft.current()

	now := time.Now()
	h.OnPresence(PresenceBeat{UserID: "bob", Name: "Bob", Color: "#4ECDC4", LastActive: now})
	h.OnPresence(PresenceBeat{UserID: "alice", Name: "Alice", LastActive: now})
	h.OnCursor(Cursor{UserID: "bob", Position: 0})

	p := c.Presence()
	if len(p) != 1 || !p["bob"].Active(now) || p["bob"].Name != "Bob" {
		t.Fatalf("Presence() = %+v", p)
	}
	if len(last) != 1 {
		t.Fatalf("OnPresenceChange last saw %+v", last)
	}

	h.OnPresenceLeave("bob")
	if len(c.Presence()) != 0 || len(c.Cursors()) != 0 {
		t.Fatalf("after leave presence=%+v cursors=%+v", c.Presence(), c.Cursors())
	}
	if len(last) != 0 {
		t.Fatalf("OnPresenceChange last saw %+v after leave", last)
	}
}

func TestShowSelfAddsOwnPresence(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestClient(t, ft, func(o *Options) { o.ShowSelf = true })
	connect(t, c)

	me, ok := c.Presence()["alice"]
	if !ok || me.Color != ColorFor("alice") || !me.Active(time.Now()) {
		t.Fatalf("self presence = %+v, %v", me, ok)
	}
	if len(ft.beats) != 1 || ft.beats[0].UserID != "alice" {
		t.Fatalf("heartbeats = %+v", ft.beats)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "abc"}}
	var changes []bool
	c := newTestClient(t, ft, func(o *Options) {
		o.OnConnectionChange = func(v bool) { changes = append(changes, v) }
	})
	connect(t, c)
	h := ft.current()
	h.OnPresence(PresenceBeat{UserID: "bob", LastActive: time.Now()})

	ctx := context.Background()
	if err := c.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if ft.unsubscribes != 1 {
		t.Fatalf("Unsubscribe called %d times", ft.unsubscribes)
	}
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Fatalf("connection changes = %v", changes)
	}
	if c.Connected() || len(c.Presence()) != 0 {
		t.Fatal("state not cleared on disconnect")
	}

	// 旧订阅的消息被忽略
	h.OnOperation(Operation{Ops: ins(t, 0, "z", 3), Revision: 1, ClientID: "bob-tab"})
	if c.Content() != "abc" {
		t.Fatalf("stale delivery changed content to %q", c.Content())
	}
}

func TestConnectFailureReportsError(t *testing.T) {
	ft := &fakeTransport{subscribeErr: errors.New("dial refused")}
	errs := &errorLog{}
	c := newTestClient(t, ft, func(o *Options) { o.OnError = errs.add })

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Connect() error = %v, want ErrTransport", err)
	}
	if !errs.has(ErrTransport) {
		t.Fatal("OnError was not called")
	}
	if c.Connected() {
		t.Fatal("client reports connected after failed subscribe")
	}

	ft.subscribeErr = nil
	connect(t, c)
	if !c.Connected() {
		t.Fatal("retry did not connect")
	}
}

func TestPublishFailureKeepsOptimisticContent(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "ab"}}
	errs := &errorLog{}
	c := newTestClient(t, ft, func(o *Options) { o.OnError = errs.add })
	connect(t, c)

	ft.publishErr = errors.New("socket buffer full")
	if err := c.SendOperation(ins(t, 2, "!", 2)); err != nil {
		t.Fatalf("SendOperation() error = %v", err)
	}
	if !errs.has(ErrTransport) {
		t.Fatal("publish failure not reported")
	}
	if c.Content() != "ab!" || c.PendingCount() != 1 {
		t.Fatalf("content=%q pending=%d", c.Content(), c.PendingCount())
	}

	ft.publishErr = nil
	if err := c.Resend(context.Background()); err != nil {
		t.Fatalf("Resend() error = %v", err)
	}
	if ops := ft.published(); len(ops) != 1 || ops[0].Seq != 1 {
		t.Fatalf("published after resend = %+v", ops)
	}
}

func TestInvalidLocalOpIsReturned(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "abc"}}
	c := newTestClient(t, ft, nil)
	connect(t, c)

	if err := c.SendOperation(ins(t, 0, "x", 99)); !errors.Is(err, delta.ErrInvalidOperation) {
		t.Fatalf("SendOperation() error = %v, want ErrInvalidOperation", err)
	}
	if c.Content() != "abc" || c.PendingCount() != 0 || len(ft.published()) != 0 {
		t.Fatal("rejected op changed client state")
	}
}

func TestConflictTriggersResync(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "base", Revision: 2}}
	errs := &errorLog{}
	c := newTestClient(t, ft, func(o *Options) { o.OnError = errs.add })
	connect(t, c)

	if err := c.SendOperation(ins(t, 4, "!", 4)); err != nil {
		t.Fatal(err)
	}
	// 重复提交的拒绝不算冲突
	ft.current().OnReject(Rejection{ClientID: c.ClientID(), Seq: 1, Code: CodeDuplicate})
	if errs.has(ErrConflict) || ft.joinCount() != 1 {
		t.Fatal("duplicate rejection triggered a resync")
	}
	// 别的客户端的拒绝与我们无关
	ft.current().OnReject(Rejection{ClientID: "someone-else", Seq: 1, Code: CodeRevisionConflict})
	if errs.has(ErrConflict) {
		t.Fatal("foreign rejection reported")
	}

	ft.mu.Lock()
	ft.snapshot = Snapshot{Content: "server", Revision: 5}
	ft.mu.Unlock()
	ft.current().OnReject(Rejection{ClientID: c.ClientID(), Seq: 1, Code: CodeRevisionConflict})
	if !errs.has(ErrConflict) {
		t.Fatal("conflict not reported")
	}
	waitFor(t, "resync", func() bool {
		return ft.joinCount() == 2 && c.Connected() && c.Content() == "server"
	})
	if c.PendingCount() != 0 || c.Revision() != 5 {
		t.Fatalf("after resync pending=%d revision=%d", c.PendingCount(), c.Revision())
	}
}

func TestRevisionGapResyncs(t *testing.T) {
	ft := &fakeTransport{snapshot: Snapshot{Content: "abc"}}
	errs := &errorLog{}
	c := newTestClient(t, ft, func(o *Options) { o.OnError = errs.add })
	connect(t, c)

	ft.current().OnOperation(Operation{Ops: ins(t, 0, "x", 3), Revision: 5, ClientID: "bob-tab"})
	if !errs.has(ErrOutOfSync) {
		t.Fatal("gap not reported")
	}
	if c.Content() != "abc" {
		t.Fatalf("gapped op was applied: %q", c.Content())
	}
	waitFor(t, "resync", func() bool { return ft.joinCount() == 2 && c.Connected() })
}

func TestTransportCloseMarksDisconnected(t *testing.T) {
	ft := &fakeTransport{}
	errs := &errorLog{}
	var changes []bool
	c := newTestClient(t, ft, func(o *Options) {
		o.OnError = errs.add
		o.OnConnectionChange = func(v bool) { changes = append(changes, v) }
	})
	connect(t, c)
	ft.current().OnClose(errors.New("unexpected EOF"))

	if c.Connected() || !errs.has(ErrTransport) {
		t.Fatalf("connected=%v errs=%v", c.Connected(), errs.errs)
	}
	if len(changes) != 2 || changes[1] {
		t.Fatalf("connection changes = %v", changes)
	}
	if err := c.Resend(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Resend() error = %v", err)
	}
}

func TestDisabledClientEditsLocally(t *testing.T) {
	off := false
	c, err := New(Options{DocumentID: "d", UserID: "u", InitialContent: "ab", Enabled: &off})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.SendOperation(ins(t, 2, "c", 2)); err != nil {
		t.Fatal(err)
	}
	if c.Content() != "abc" || c.PendingCount() != 0 || c.Connected() {
		t.Fatalf("content=%q pending=%d connected=%v", c.Content(), c.PendingCount(), c.Connected())
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{UserID: "u", Transport: &fakeTransport{}}); err == nil {
		t.Fatal("missing document id accepted")
	}
	if _, err := New(Options{DocumentID: "d", UserID: "u"}); err == nil {
		t.Fatal("missing transport accepted")
	}
}
