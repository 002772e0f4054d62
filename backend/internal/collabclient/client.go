package collabclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"ottowrite/backend/internal/ot/delta"
)

const (
	defaultHeartbeat      = 30 * time.Second
	defaultPublishTimeout = 5 * time.Second
	resyncTimeout         = 10 * time.Second
)

type Options struct {
	DocumentID     string
	UserID         string
	UserName       string
	UserColor      string // 为空时由 ColorFor(UserID) 得出
	InitialContent string
	Enabled        *bool // nil 视为 true；false 时只做本地编辑
	Transport      Transport

	// 心跳间隔，默认 30s，负数关闭
	HeartbeatInterval time.Duration
	PublishTimeout    time.Duration
	// presence 中是否包含自己
	ShowSelf bool

	OnContentChange    func(content string)
	OnCursorChange     func(cursors map[string]CursorPosition)
	OnPresenceChange   func(presence map[string]UserPresence)
	OnError            func(err error)
	OnConnectionChange func(connected bool)
}

type pendingOp struct {
	seq uint64
	ops delta.Delta
}

// Client owns the live session of one document: optimistic local edits, the
// queue of unacknowledged ops, remote cursors and presence.
//
// Only the head of the pending queue is in flight. The rest are published one
// by one as acknowledgements arrive, so every op the origin sees is based on a
// revision it has already broadcast.
type Client struct {
	opt      Options
	clientID string
	color    string

	// 串行化 Connect/Disconnect/Reconnect
	connMu sync.Mutex

	mu        sync.Mutex
	content   string
	length    int
	version   uint64 // 本地副本应用过的操作数
	revision  uint64 // 最近确认的源端版本
	pending   []pendingOp
	nextSeq   uint64
	cursors   map[string]CursorPosition
	presence  map[string]UserPresence
	local     *CursorPosition
	connected bool
	sub       Subscription
	// 每次订阅变化加一，旧订阅的回调直接丢弃
	gen       uint64
	stopBeat  chan struct{}
	resyncing bool
}

func New(opt Options) (*Client, error) {
	if opt.DocumentID == "" || opt.UserID == "" {
		return nil, errors.New("document id and user id are required")
	}
	if opt.Enabled == nil || *opt.Enabled {
		if opt.Transport == nil {
			return nil, errors.New("transport is required")
		}
	}
	if opt.UserColor == "" {
		opt.UserColor = ColorFor(opt.UserID)
	}
	if opt.HeartbeatInterval == 0 {
		opt.HeartbeatInterval = defaultHeartbeat
	}
	if opt.PublishTimeout <= 0 {
		opt.PublishTimeout = defaultPublishTimeout
	}
	return &Client{
		opt:      opt,
		clientID: uuid.NewString(),
		color:    opt.UserColor,
		content:  opt.InitialContent,
		length:   utf8.RuneCountInString(opt.InitialContent),
		cursors:  make(map[string]CursorPosition),
		presence: make(map[string]UserPresence),
	}, nil
}

func (c *Client) enabled() bool {
	return c.opt.Enabled == nil || *c.opt.Enabled
}

// Connect subscribes to the document channel. The join snapshot replaces the
// local content and clears the pending queue. A subscribe failure is reported
// through OnError and returned; the caller may retry.
func (c *Client) Connect(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.pending = nil
	req := JoinRequest{
		DocumentID:     c.opt.DocumentID,
		UserID:         c.opt.UserID,
		UserName:       c.opt.UserName,
		Color:          c.color,
		InitialContent: c.opt.InitialContent,
	}
	c.mu.Unlock()

	sub, err := c.opt.Transport.Subscribe(ctx, req, c.handlers(gen))

	var n notifier
	c.mu.Lock()
	if err != nil {
		err = fmt.Errorf("%w: subscribe %s: %w", ErrTransport, c.opt.DocumentID, err)
		c.failed(&n, err)
		c.mu.Unlock()
		n.run()
		return err
	}
	c.connected = true
	c.sub = sub
	c.connectionChanged(&n, true)
	// OnJoin 之后、Subscribe 返回之前的本地编辑只入了队，这里补发队首
	if len(c.pending) > 0 {
		c.publishHeadLocked(&n)
	}
	c.beatLocked(&n)
	if every := c.opt.HeartbeatInterval; every > 0 {
		c.stopBeat = make(chan struct{})
		go c.heartbeat(gen, c.stopBeat, every)
	}
	c.mu.Unlock()
	n.run()
	return nil
}

// Disconnect unsubscribes and clears cursors and presence. Calling it on a
// disconnected client does nothing.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.disconnectLocked(ctx)
}

func (c *Client) disconnectLocked(ctx context.Context) error {
	var n notifier
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	sub := c.teardownLocked(&n)
	c.mu.Unlock()

	err := c.opt.Transport.Unsubscribe(ctx, sub)
	if err != nil {
		err = fmt.Errorf("%w: unsubscribe %s: %w", ErrTransport, c.opt.DocumentID, err)
		if cb := c.opt.OnError; cb != nil {
			n.add(func() { cb(err) })
		}
	}
	n.run()
	return err
}

// Reconnect tears the session down and joins again. Unacknowledged ops are
// dropped; Outstanding can be read beforehand to re-derive them.
func (c *Client) Reconnect(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := c.disconnectLocked(ctx); err != nil {
		log.Printf("collab client: unsubscribe before reconnect, doc=%s err=%v", c.opt.DocumentID, err)
	}
	return c.connectLocked(ctx)
}

func (c *Client) teardownLocked(n *notifier) Subscription {
	c.gen++
	c.connected = false
	sub := c.sub
	c.sub = nil
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
	if len(c.cursors) > 0 {
		clear(c.cursors)
		c.cursorsChanged(n)
	}
	if len(c.presence) > 0 {
		clear(c.presence)
		c.presenceChanged(n)
	}
	c.connectionChanged(n, false)
	return sub
}

// SendOperation applies op to the local content, queues it and publishes it
// when nothing else is in flight. An op that does not fit the current content
// is returned as an error and changes nothing; publish failures go to OnError.
func (c *Client) SendOperation(op delta.Delta) error {
	var n notifier
	c.mu.Lock()
	err := c.sendLocked(&n, op)
	c.mu.Unlock()
	n.run()
	return err
}

// Edit builds an op against the current length and applies it under the
// same lock, so a concurrent remote op cannot change the base in between.
func (c *Client) Edit(build func(length int) (delta.Delta, error)) error {
	var n notifier
	c.mu.Lock()
	op, err := build(c.length)
	if err == nil {
		err = c.sendLocked(&n, op)
	}
	c.mu.Unlock()
	n.run()
	return err
}

func (c *Client) sendLocked(n *notifier, op delta.Delta) error {
	next, err := delta.Apply(c.content, op)
	if err != nil {
		return err
	}
	if op.IsNoop() {
		return nil
	}
	c.content = next
	c.length = op.TargetLen()
	c.version++
	c.rebaseCursorsLocked(n, op)
	c.contentChanged(n)

	if c.enabled() {
		c.nextSeq++
		c.pending = append(c.pending, pendingOp{seq: c.nextSeq, ops: op})
		if c.connected && len(c.pending) == 1 {
			c.publishHeadLocked(n)
		}
	}
	return nil
}

// UpdateCursor records the local cursor and broadcasts it. Cursor updates are
// not operations and are not ordered against them.
func (c *Client) UpdateCursor(cur CursorPosition) {
	var n notifier
	c.mu.Lock()
	cur = cur.clamp(c.length)
	c.local = &cur
	if c.connected {
		ctx, cancel := context.WithTimeout(context.Background(), c.opt.PublishTimeout)
		err := c.opt.Transport.PublishCursor(ctx, c.opt.DocumentID, Cursor{
			UserID:         c.opt.UserID,
			Position:       cur.Position,
			SelectionStart: cur.SelectionStart,
			SelectionEnd:   cur.SelectionEnd,
		})
		cancel()
		if err != nil {
			c.failed(&n, fmt.Errorf("%w: publish cursor: %w", ErrTransport, err))
		}
	}
	c.mu.Unlock()
	n.run()
}

// Resend publishes the in-flight op again after a transport error. The origin
// drops it if the first attempt did arrive.
func (c *Client) Resend(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	if len(c.pending) == 0 {
		return nil
	}
	if err := c.opt.Transport.PublishOperation(ctx, c.opt.DocumentID, c.headLocked()); err != nil {
		return fmt.Errorf("%w: resend operation %d: %w", ErrTransport, c.pending[0].seq, err)
	}
	return nil
}

// Outstanding composes every unacknowledged op into one, based on the last
// acknowledged content. It returns nil when nothing is pending.
func (c *Client) Outstanding() (delta.Delta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil, nil
	}
	out := c.pending[0].ops
	for _, p := range c.pending[1:] {
		var err error
		if out, err = delta.Compose(out, p.ops); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Client) headLocked() Operation {
	head := c.pending[0]
	return Operation{
		Ops:          head.ops,
		BaseVersion:  c.revision,
		OriginUserID: c.opt.UserID,
		ClientID:     c.clientID,
		Seq:          head.seq,
	}
}

func (c *Client) publishHeadLocked(n *notifier) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opt.PublishTimeout)
	defer cancel()
	if err := c.opt.Transport.PublishOperation(ctx, c.opt.DocumentID, c.headLocked()); err != nil {
		c.failed(n, fmt.Errorf("%w: publish operation %d: %w", ErrTransport, c.pending[0].seq, err))
	}
}

func (c *Client) heartbeat(gen uint64, stop <-chan struct{}, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		var n notifier
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.beatLocked(&n)
		c.mu.Unlock()
		n.run()
	}
}

func (c *Client) beatLocked(n *notifier) {
	beat := PresenceBeat{UserID: c.opt.UserID, Name: c.opt.UserName, Color: c.color, LastActive: time.Now()}
	if c.opt.ShowSelf {
		c.presence[c.opt.UserID] = presenceFromWire(beat)
		c.presenceChanged(n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opt.PublishTimeout)
	defer cancel()
	if err := c.opt.Transport.PublishPresence(ctx, c.opt.DocumentID, beat); err != nil {
		c.failed(n, fmt.Errorf("%w: publish presence: %w", ErrTransport, err))
	}
}

func (c *Client) ClientID() string { return c.clientID }
func (c *Client) Color() string    { return c.color }

func (c *Client) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

// Length is the content length in runes, the base length for the next op.
func (c *Client) Length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

func (c *Client) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) Revision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Cursors() map[string]CursorPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.cursors)
}

func (c *Client) Presence() map[string]UserPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.presence)
}

func (c *Client) LocalCursor() (CursorPosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return CursorPosition{}, false
	}
	return *c.local, true
}

// notifier collects callbacks under the lock and runs them after it is
// released, in the order the state changed.
type notifier []func()

func (n *notifier) add(f func()) { *n = append(*n, f) }

func (n notifier) run() {
	for _, f := range n {
		f()
	}
}

func (c *Client) contentChanged(n *notifier) {
	if cb := c.opt.OnContentChange; cb != nil {
		s := c.content
		n.add(func() { cb(s) })
	}
}

func (c *Client) cursorsChanged(n *notifier) {
	if cb := c.opt.OnCursorChange; cb != nil {
		m := maps.Clone(c.cursors)
		n.add(func() { cb(m) })
	}
}

func (c *Client) presenceChanged(n *notifier) {
	if cb := c.opt.OnPresenceChange; cb != nil {
		m := maps.Clone(c.presence)
		n.add(func() { cb(m) })
	}
}

func (c *Client) connectionChanged(n *notifier, connected bool) {
	if cb := c.opt.OnConnectionChange; cb != nil {
		n.add(func() { cb(connected) })
	}
}

func (c *Client) failed(n *notifier, err error) {
	if cb := c.opt.OnError; cb != nil {
		n.add(func() { cb(err) })
	}
}
