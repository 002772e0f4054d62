package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ottowrite/backend/internal/cache"
	"ottowrite/backend/internal/collab"
	"ottowrite/backend/internal/collabclient"
	"ottowrite/backend/internal/ot/delta"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	docID    string
	userID   string
	username string
	color    string
	// send 是发送队列，只由 writeLoop 消费；readLoop 退出时关闭
	send chan OutboundMessage
	// 协作引擎服务
	svc collab.Service
	// 信号量控制
	sem *collab.SemaphoreControl
	opt ManagerOptions

	kickOnce sync.Once
}

func NewConn(ws *websocket.Conn, hub *Hub, userID string, username string, svc collab.Service, sem *collab.SemaphoreControl, opt ManagerOptions) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		color:    collabclient.ColorFor(userID),
		send:     make(chan OutboundMessage, opt.SendBuffer),
		svc:      svc,
		sem:      sem,
		opt:      opt,
	}
}

// Enqueue 非阻塞入队，队列满时返回 false
func (c *Conn) Enqueue(msg OutboundMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// kick closes the socket; readLoop then fails and cleans up.
func (c *Conn) kick() {
	c.kickOnce.Do(func() { _ = c.ws.Close() })
}

// errorCode 把错误映射成线上的错误码
func errorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrRevisionConflict):
		return collabclient.CodeRevisionConflict
	case errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
		return collabclient.CodeDuplicate
	case errors.Is(err, delta.ErrInvalidOperation):
		return collabclient.CodeInvalidOperation
	case errors.Is(err, delta.ErrOutOfRange):
		return "OUT_OF_RANGE"
	case errors.Is(err, collab.ErrDocumentNotFound):
		return "DOCUMENT_NOT_FOUND"
	case errors.Is(err, collab.ErrAcquireTimeout), errors.Is(err, context.DeadlineExceeded):
		return "BUSY"
	default:
		return "INTERNAL"
	}
}

func (c *Conn) sendError(docID, code string, err error, clientID string, clientSeq uint64) {
	msg := ErrorMessage{Type: TypeError, DocID: docID, Code: code, ClientId: clientID, ClientSeq: clientSeq}
	if err != nil {
		msg.Content = err.Error()
	}
	c.Enqueue(msg)
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if docID == "" {
		docID = c.docID
	}
	if docID == "" || docID != c.docID {
		c.sendError(docID, "NOT_JOINED", nil, msg.ClientId, msg.ClientSeq)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.opt.SubmitTimeout)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.sendError(docID, errorCode(err), err, msg.ClientId, msg.ClientSeq)
		return
	}
	defer c.sem.Release()

	// 成功后由 hub 广播 op_broadcast，提交者也会收到，作为确认
	_, err := c.hub.Submit(docID, func() (collab.AppliedOp, error) {
		return c.svc.Submit(submitCtx, docID, c.userID, msg.BaseRevision, msg.ClientId, msg.ClientSeq, msg.Ops)
	})
	if err != nil {
		log.Printf("submit rejected (user=%s, doc=%s, client=%s, seq=%d): %v", c.userID, docID, msg.ClientId, msg.ClientSeq, err)
		c.sendError(docID, errorCode(err), err, msg.ClientId, msg.ClientSeq)
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if docID == "" && msg.DocTitle != "" {
		id, err := c.svc.GetDocumentID(ctx, msg.DocTitle)
		if err != nil {
			log.Printf("get document id error: %v", err)
			c.sendError("", "GET_DOCID_FAILED", err, "", 0)
			return
		}
		docID = id
	}
	if docID == "" {
		c.sendError("", "DOCUMENT_NOT_FOUND", nil, "", 0)
		return
	}
	if c.docID != "" && c.docID != docID {
		// 先离开旧房间
		c.leave(ctx)
	}
	if msg.Name != "" {
		c.username = msg.Name
	}
	if msg.Color != "" {
		c.color = msg.Color
	}
	if err := c.hub.presence.AddMember(ctx, docID, c.userID, c.username, c.color, c.opt.PresenceTTL); err != nil {
		log.Printf("add member error: %v", err)
	}
	members, cursors := c.roomState(ctx, docID)

	err := c.hub.Join(docID, c, func() (OutboundMessage, error) {
		content, revision, err := c.svc.Open(ctx, docID, msg.InitialContent)
		if err != nil {
			return nil, err
		}
		return ServerMessage{
			Type:     TypeJoinDocument,
			DocID:    docID,
			UserID:   c.userID,
			Content:  content,
			Revision: revision,
			Members:  members,
			Cursors:  cursors,
		}, nil
	})
	if errors.Is(err, ErrSendQueueFull) {
		// 连接已被踢掉，只撤回刚登记的在线状态
		if err := c.hub.presence.RemoveMember(ctx, docID, c.userID); err != nil {
			log.Printf("remove member error: %v", err)
		}
		return
	}
	if err != nil {
		log.Printf("join document error (user=%s, doc=%s): %v", c.userID, docID, err)
		c.sendError(docID, errorCode(err), err, "", 0)
		return
	}
	c.docID = docID
	c.hub.Broadcast(docID, ServerMessage{Type: TypePresence, DocID: docID, Members: []PresenceMember{c.member()}}, c)
}

func (c *Conn) member() PresenceMember {
	return PresenceMember{UserID: c.userID, Username: c.username, Color: c.color, LastActive: time.Now()}
}

// roomState 读取当前在线成员和他们的光标
func (c *Conn) roomState(ctx context.Context, docID string) ([]PresenceMember, []collabclient.Cursor) {
	alive, err := c.hub.presence.GetAliveMembers(ctx, docID)
	if err != nil {
		log.Printf("get alive members error: %v", err)
		return nil, nil
	}
	members := make([]PresenceMember, 0, len(alive))
	var cursors []collabclient.Cursor
	for _, m := range alive {
		members = append(members, presenceMember(m, c.opt.PresenceTTL))
		raw, err := c.hub.presence.GetCursor(ctx, docID, m.UserID)
		if err != nil || raw == nil {
			continue
		}
		var cur collabclient.Cursor
		if err := json.Unmarshal(raw, &cur); err == nil {
			cursors = append(cursors, cur)
		}
	}
	return members, cursors
}

// presence 只存过期时间，最近活跃时间按 TTL 反推
func presenceMember(m cache.PresenceMember, ttl time.Duration) PresenceMember {
	return PresenceMember{UserID: m.UserID, Username: m.Username, Color: m.Color, LastActive: m.ExpireAt.Add(-ttl)}
}

func (c *Conn) handleHeartbeat(ctx context.Context, msg ClientMessage) {
	if c.docID == "" {
		return
	}
	if msg.Name != "" {
		c.username = msg.Name
	}
	if msg.Color != "" {
		c.color = msg.Color
	}
	// 刷新 TTL 也直接调用 AddMember
	if err := c.hub.presence.AddMember(ctx, c.docID, c.userID, c.username, c.color, c.opt.PresenceTTL); err != nil {
		log.Printf("add member error: %v", err)
	}
	c.hub.Broadcast(c.docID, ServerMessage{Type: TypePresence, DocID: c.docID, Members: []PresenceMember{c.member()}}, c)
}

func (c *Conn) handleCursor(ctx context.Context, msg ClientMessage) {
	if c.docID == "" || msg.Cursor == nil {
		return
	}
	cur := *msg.Cursor
	cur.UserID = c.userID
	if b, err := json.Marshal(cur); err == nil {
		if err := c.hub.presence.SetCursor(ctx, c.docID, c.userID, b, c.opt.PresenceTTL); err != nil {
			log.Printf("set cursor error: %v", err)
		}
	}
	c.hub.Broadcast(c.docID, ServerMessage{Type: TypeCursor, DocID: c.docID, UserID: c.userID, Cursor: &cur}, c)
}

// leave 离开当前房间并通知其他成员
func (c *Conn) leave(ctx context.Context) {
	docID := c.docID
	if docID == "" {
		return
	}
	c.docID = ""
	if !c.hub.Leave(docID, c) {
		return
	}
	if err := c.hub.presence.RemoveMember(ctx, docID, c.userID); err != nil {
		log.Printf("remove member error: %v", err)
	}
	c.hub.Broadcast(docID, ServerMessage{Type: TypePresenceLeave, DocID: docID, UserID: c.userID}, c)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	// 连接断开时请求 ctx 可能已经取消，离开房间用独立的 ctx
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		c.leave(leaveCtx)
	}()
	c.ws.SetReadLimit(maxMessageSize)
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read json error (user=%s, doc=%s): %v", c.userID, c.docID, err)
			}
			return
		}
		switch clientMessage.Type {
		case TypeHeartbeat:
			c.handleHeartbeat(ctx, clientMessage)

		case TypeCursor:
			c.handleCursor(ctx, clientMessage)

		case TypeCreateDocument:
			docID, err := c.svc.CreateDocument(ctx, c.userID, clientMessage.DocTitle)
			if err != nil {
				log.Printf("create document error: %v", err)
				c.sendError("", "CREATE_DOC_FAILED", err, "", 0)
				continue
			}
			c.Enqueue(ServerMessage{Type: TypeCreateDocument, DocID: docID, Content: clientMessage.DocTitle})

		case TypeJoinDocument:
			c.handleJoin(ctx, clientMessage)

		case TypeLeaveDocument:
			c.leave(ctx)

		case TypeOpSubmit:
			c.handleOpSubmit(ctx, clientMessage)

		case TypeSaveDocument:
			docID := clientMessage.DocID
			if docID == "" {
				docID = c.docID
			}
			if err := c.svc.SaveSnapshot(ctx, docID); err != nil {
				log.Printf("save document error: %v", err)
				c.sendError(docID, "SAVE_FAILED", err, "", 0)
				continue
			}
			c.Enqueue(ServerMessage{Type: TypeSaveDocument, DocID: docID, Content: "saved"})

		case TypeLoadDocumentContent:
			docID := clientMessage.DocID
			if docID == "" {
				docID = c.docID
			}
			content, revision, err := c.svc.LoadDocumentContent(ctx, docID)
			if err != nil {
				log.Printf("load document content error: %v", err)
				c.sendError(docID, errorCode(err), err, "", 0)
				continue
			}
			c.Enqueue(ServerMessage{Type: TypeLoadDocumentContent, DocID: docID, Content: content, Revision: revision})

		default:
			// 忽略未知类型，回一条提示
			c.Enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type " + clientMessage.Type})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的消息，写失败后关闭连接让 readLoop 退出
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("write json error (user=%s, type=%s): %v", c.userID, msg.MessageType(), err)
			c.kick()
		}
	}
}
