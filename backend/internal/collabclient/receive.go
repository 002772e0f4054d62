package collabclient

import (
	"context"
	"fmt"
	"log"
	"unicode/utf8"

	"ottowrite/backend/internal/ot/delta"
)

// 每个回调都绑定订阅时的 gen，订阅被替换后旧回调不再生效
func (c *Client) handlers(gen uint64) Handlers {
	return Handlers{
		OnJoin:          func(s Snapshot) { c.deliver(gen, func(n *notifier) { c.joinLocked(n, s) }) },
		OnOperation:     func(op Operation) { c.deliver(gen, func(n *notifier) { c.receiveLocked(n, op) }) },
		OnCursor:        func(cur Cursor) { c.deliver(gen, func(n *notifier) { c.cursorLocked(n, cur) }) },
		OnPresence:      func(b PresenceBeat) { c.deliver(gen, func(n *notifier) { c.presenceLocked(n, b) }) },
		OnPresenceLeave: func(userID string) { c.deliver(gen, func(n *notifier) { c.leaveLocked(n, userID) }) },
		OnReject:        func(r Rejection) { c.deliver(gen, func(n *notifier) { c.rejectLocked(n, r) }) },
		OnClose:         func(err error) { c.deliver(gen, func(n *notifier) { c.closeLocked(n, err) }) },
	}
}

func (c *Client) deliver(gen uint64, fn func(n *notifier)) {
	var n notifier
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	fn(&n)
	c.mu.Unlock()
	n.run()
}

func (c *Client) joinLocked(n *notifier, s Snapshot) {
	c.content = s.Content
	c.length = utf8.RuneCountInString(s.Content)
	c.revision = s.Revision
	c.version = 0
	c.pending = nil
	c.local = nil
	c.contentChanged(n)

	clear(c.cursors)
	for _, cur := range s.Cursors {
		if cur.UserID != c.opt.UserID {
			c.cursors[cur.UserID] = cursorFromWire(cur).clamp(c.length)
		}
	}
	c.cursorsChanged(n)

	clear(c.presence)
	for _, m := range s.Members {
		if m.UserID != c.opt.UserID || c.opt.ShowSelf {
			c.presence[m.UserID] = presenceFromWire(m)
		}
	}
	c.presenceChanged(n)
}

// receiveLocked handles one broadcast op. The origin broadcasts in revision
// order, so the next op must carry exactly revision+1.
func (c *Client) receiveLocked(n *notifier, op Operation) {
	own := op.ClientID == c.clientID
	switch {
	case op.Revision <= c.revision:
		// 已经应用过（重连后的重复广播）
		return
	case op.Revision != c.revision+1:
		c.outOfSyncLocked(n, fmt.Errorf("%w: expected revision %d, got %d", ErrOutOfSync, c.revision+1, op.Revision))
		return
	case own && len(c.pending) > 0 && op.Seq == c.pending[0].seq:
		c.ackLocked(n, op.Revision)
		return
	case own && len(c.pending) > 0 && op.Seq > c.pending[0].seq:
		c.outOfSyncLocked(n, fmt.Errorf("%w: ack for seq %d while %d is in flight", ErrOutOfSync, op.Seq, c.pending[0].seq))
		return
	}
	c.applyRemoteLocked(n, op)
}

func (c *Client) ackLocked(n *notifier, revision uint64) {
	c.pending = c.pending[1:]
	c.revision = revision
	if len(c.pending) > 0 {
		c.publishHeadLocked(n)
	}
}

// applyRemoteLocked transforms the remote op past every pending op and
// rewrites each pending op to follow it. The remote op is already ordered by
// the origin, so its inserts go first on ties, the same way the origin
// transforms our in-flight op against it.
func (c *Client) applyRemoteLocked(n *notifier, op Operation) {
	r := op.Ops
	rebased := make([]pendingOp, len(c.pending))
	for i, p := range c.pending {
		rp, pp, err := delta.Transform(r, p.ops)
		if err != nil {
			c.outOfSyncLocked(n, fmt.Errorf("%w: transform revision %d: %w", ErrOutOfSync, op.Revision, err))
			return
		}
		r = rp
		rebased[i] = pendingOp{seq: p.seq, ops: pp}
	}
	next, err := delta.Apply(c.content, r)
	if err != nil {
		c.outOfSyncLocked(n, fmt.Errorf("%w: apply revision %d: %w", ErrOutOfSync, op.Revision, err))
		return
	}

	c.pending = rebased
	c.content = next
	c.length = r.TargetLen()
	c.revision = op.Revision
	c.version++
	c.contentChanged(n)
	c.rebaseCursorsLocked(n, r)
	if c.local != nil {
		cur := c.local.Rebase(r)
		c.local = &cur
	}
}

func (c *Client) rebaseCursorsLocked(n *notifier, op delta.Delta) {
	if len(c.cursors) == 0 {
		return
	}
	for id, cur := range c.cursors {
		c.cursors[id] = cur.Rebase(op)
	}
	c.cursorsChanged(n)
}

func (c *Client) cursorLocked(n *notifier, cur Cursor) {
	if cur.UserID == c.opt.UserID {
		return
	}
	c.cursors[cur.UserID] = cursorFromWire(cur).clamp(c.length)
	c.cursorsChanged(n)
}

func (c *Client) presenceLocked(n *notifier, b PresenceBeat) {
	if b.UserID == c.opt.UserID && !c.opt.ShowSelf {
		return
	}
	c.presence[b.UserID] = presenceFromWire(b)
	c.presenceChanged(n)
}

func (c *Client) leaveLocked(n *notifier, userID string) {
	if _, ok := c.cursors[userID]; ok {
		delete(c.cursors, userID)
		c.cursorsChanged(n)
	}
	if _, ok := c.presence[userID]; ok {
		delete(c.presence, userID)
		c.presenceChanged(n)
	}
}

func (c *Client) rejectLocked(n *notifier, r Rejection) {
	if r.ClientID != c.clientID {
		return
	}
	if r.Code == CodeDuplicate {
		// 重发的操作源端已经收到过
		return
	}
	c.failed(n, fmt.Errorf("%w: %s seq=%d %s", ErrConflict, r.Code, r.Seq, r.Message))
	c.gen++
	c.startResyncLocked()
}

func (c *Client) closeLocked(n *notifier, err error) {
	if !c.connected {
		return
	}
	c.teardownLocked(n)
	if err != nil {
		c.failed(n, fmt.Errorf("%w: connection closed: %w", ErrTransport, err))
	}
}

// outOfSyncLocked stops listening to the current subscription and resyncs.
func (c *Client) outOfSyncLocked(n *notifier, err error) {
	c.failed(n, err)
	c.gen++
	c.startResyncLocked()
}

func (c *Client) startResyncLocked() {
	if c.resyncing {
		return
	}
	c.resyncing = true
	go c.resync()
}

func (c *Client) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	if err := c.Reconnect(ctx); err != nil {
		log.Printf("collab client: resync failed, doc=%s err=%v", c.opt.DocumentID, err)
	}
	c.mu.Lock()
	c.resyncing = false
	c.mu.Unlock()
}
