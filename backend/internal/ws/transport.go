package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ottowrite/backend/internal/collabclient"
)

var (
	ErrSendQueueFull = errors.New("SEND_QUEUE_FULL")
	ErrClosed        = errors.New("SUBSCRIPTION_CLOSED")
	ErrJoinRejected  = errors.New("JOIN_REJECTED")
)

// Transport implements collabclient.Transport with one websocket per
// subscribed document.
type Transport struct {
	url    string
	token  string
	dialer *websocket.Dialer
	buffer int

	mu    sync.Mutex
	links map[string]*link
}

func NewTransport(url string, token string) *Transport {
	return &Transport{
		url:    url,
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		buffer: 256,
		links:  make(map[string]*link),
	}
}

type link struct {
	t     *Transport
	docID string
	conn  *websocket.Conn
	h     collabclient.Handlers

	mu     sync.Mutex
	send   chan ClientMessage
	closed bool
	// Unsubscribe 主动关闭时不再回调 OnClose
	leaving bool
	done    chan struct{}
}

func (l *link) DocumentID() string { return l.docID }

// Subscribe dials, sends joinDocument and waits for the snapshot, which is
// handed to h.OnJoin before Subscribe returns.
func (t *Transport) Subscribe(ctx context.Context, req collabclient.JoinRequest, h collabclient.Handlers) (collabclient.Subscription, error) {
	t.mu.Lock()
	_, busy := t.links[req.DocumentID]
	t.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("already subscribed to %s", req.DocumentID)
	}

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", t.url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	snap, err := t.join(ctx, conn, req)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	l := &link{
		t:     t,
		docID: req.DocumentID,
		conn:  conn,
		h:     h,
		send:  make(chan ClientMessage, t.buffer),
		done:  make(chan struct{}),
	}
	t.mu.Lock()
	t.links[req.DocumentID] = l
	t.mu.Unlock()

	if h.OnJoin != nil {
		h.OnJoin(snap)
	}
	go l.writeLoop()
	go l.readLoop()
	return l, nil
}

func (t *Transport) join(ctx context.Context, conn *websocket.Conn, req collabclient.JoinRequest) (collabclient.Snapshot, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}
	err := conn.WriteJSON(ClientMessage{
		Type:           TypeJoinDocument,
		DocID:          req.DocumentID,
		InitialContent: req.InitialContent,
		Name:           req.UserName,
		Color:          req.Color,
	})
	if err != nil {
		return collabclient.Snapshot{}, fmt.Errorf("send join: %w", err)
	}
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return collabclient.Snapshot{}, fmt.Errorf("wait for join: %w", err)
		}
		switch msg.Type {
		case TypeJoinDocument:
			snap := collabclient.Snapshot{Content: msg.Content, Revision: msg.Revision, Cursors: msg.Cursors}
			for _, m := range msg.Members {
				snap.Members = append(snap.Members, m.beat())
			}
			return snap, nil
		case TypeError:
			return collabclient.Snapshot{}, fmt.Errorf("%w: %s %s", ErrJoinRejected, msg.Code, msg.Content)
		}
		// welcome 等其他消息跳过
	}
}

func (t *Transport) lookup(docID string) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[docID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClosed, docID)
	}
	return l, nil
}

// enqueue 非阻塞，发送由 writeLoop 完成
func (l *link) enqueue(msg ClientMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.send <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (t *Transport) PublishOperation(ctx context.Context, docID string, op collabclient.Operation) error {
	l, err := t.lookup(docID)
	if err != nil {
		return err
	}
	return l.enqueue(ClientMessage{
		Type:         TypeOpSubmit,
		DocID:        docID,
		BaseRevision: op.BaseVersion,
		ClientId:     op.ClientID,
		ClientSeq:    op.Seq,
		Ops:          op.Ops,
	})
}

func (t *Transport) PublishCursor(ctx context.Context, docID string, cur collabclient.Cursor) error {
	l, err := t.lookup(docID)
	if err != nil {
		return err
	}
	return l.enqueue(ClientMessage{Type: TypeCursor, DocID: docID, Cursor: &cur})
}

func (t *Transport) PublishPresence(ctx context.Context, docID string, beat collabclient.PresenceBeat) error {
	l, err := t.lookup(docID)
	if err != nil {
		return err
	}
	return l.enqueue(ClientMessage{Type: TypeHeartbeat, DocID: docID, Name: beat.Name, Color: beat.Color})
}

// Unsubscribe sends leaveDocument, closes the socket and waits for the read
// loop to stop or ctx to expire.
func (t *Transport) Unsubscribe(ctx context.Context, sub collabclient.Subscription) error {
	l, ok := sub.(*link)
	if !ok || l == nil {
		return errors.New("unknown subscription")
	}
	l.mu.Lock()
	l.leaving = true
	if !l.closed {
		select {
		case l.send <- ClientMessage{Type: TypeLeaveDocument, DocID: l.docID}:
		default:
		}
	}
	l.mu.Unlock()
	l.shutdown()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		_ = l.conn.Close()
		return ctx.Err()
	}
}

// shutdown stops accepting messages; writeLoop drains the queue, sends a
// close frame and closes the socket.
func (l *link) shutdown() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.send)
	}
	l.mu.Unlock()

	l.t.mu.Lock()
	if l.t.links[l.docID] == l {
		delete(l.t.links, l.docID)
	}
	l.t.mu.Unlock()
}

func (l *link) writeLoop() {
	for msg := range l.send {
		_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := l.conn.WriteJSON(msg); err != nil {
			log.Printf("ws transport write error (doc=%s, type=%s): %v", l.docID, msg.Type, err)
			_ = l.conn.Close()
			// 读循环会因连接关闭而退出；这里把剩余消息丢掉
			for range l.send {
			}
			return
		}
	}
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	// 等服务端回 close 帧，读循环退出后关闭
	select {
	case <-l.done:
	case <-time.After(writeWait):
	}
	_ = l.conn.Close()
}

func (l *link) readLoop() {
	defer close(l.done)
	for {
		var msg inboundMessage
		if err := l.conn.ReadJSON(&msg); err != nil {
			l.mu.Lock()
			leaving := l.leaving
			l.mu.Unlock()
			l.shutdown()
			if !leaving && l.h.OnClose != nil {
				l.h.OnClose(err)
			}
			return
		}
		l.dispatch(msg)
	}
}

func (l *link) dispatch(msg inboundMessage) {
	h := l.h
	switch msg.Type {
	case TypeOpBroadcast:
		if h.OnOperation != nil {
			h.OnOperation(collabclient.Operation{
				Ops:          msg.Ops,
				BaseVersion:  msg.BaseRevision,
				Revision:     msg.Revision,
				OriginUserID: msg.AuthorID,
				ClientID:     msg.ClientId,
				Seq:          msg.ClientSeq,
			})
		}
	case TypeCursor:
		if h.OnCursor != nil && msg.Cursor != nil {
			h.OnCursor(*msg.Cursor)
		}
	case TypePresence:
		if h.OnPresence != nil {
			for _, m := range msg.Members {
				h.OnPresence(m.beat())
			}
		}
	case TypePresenceLeave:
		if h.OnPresenceLeave != nil {
			h.OnPresenceLeave(msg.UserID)
		}
	case TypeError:
		if msg.ClientId != "" && h.OnReject != nil {
			h.OnReject(collabclient.Rejection{ClientID: msg.ClientId, Seq: msg.ClientSeq, Code: msg.Code, Message: msg.Content})
			return
		}
		log.Printf("ws transport: server error (doc=%s): %s %s", l.docID, msg.Code, msg.Content)
	}
}
