package ws

import (
	"time"

	"ottowrite/backend/internal/collabclient"
	"ottowrite/backend/internal/ot/delta"
)

// 客户端消息类型
const (
	TypeJoinDocument        = "joinDocument"
	TypeLeaveDocument       = "leaveDocument"
	TypeHeartbeat           = "heartbeat"
	TypeOpSubmit            = "op_submit"
	TypeCursor              = "cursor"
	TypeSaveDocument        = "saveDocument"
	TypeLoadDocumentContent = "loadDocumentContent"
	TypeCreateDocument      = "createDocument"
)

// 服务端消息类型（除了同名的应答）
const (
	TypeWelcome       = "welcome"
	TypeOpBroadcast   = "op_broadcast"
	TypePresence      = "presence"
	TypePresenceLeave = "presence_leave"
	TypeError         = "error"
	TypeIgnored       = "ignored"
)

type ClientMessage struct {
	Type     string `json:"type"`
	DocID    string `json:"docId"`
	DocTitle string `json:"docTitle,omitempty"`
	// joinDocument：文档不存在时的初始内容
	InitialContent string `json:"initialContent,omitempty"`
	Name           string `json:"name,omitempty"`
	Color          string `json:"color,omitempty"`
	BaseRevision   uint64 `json:"baseRevision"`
	// 客户端实例标识。同一用户可有多个 clientId（多端/多标签页）。
	ClientId string `json:"clientId,omitempty"`
	// 针对同一个 clientId 的“本地递增序号”
	ClientSeq uint64               `json:"clientSeq,omitempty"`
	Ops       delta.Delta          `json:"ops,omitempty"`
	Cursor    *collabclient.Cursor `json:"cursor,omitempty"`
}

type PresenceMember struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username,omitempty"`
	Color      string    `json:"color,omitempty"`
	LastActive time.Time `json:"lastActive"`
}

type ServerMessage struct {
	Type     string                `json:"type"`
	UserID   string                `json:"userId,omitempty"`
	DocID    string                `json:"docId,omitempty"`
	Revision uint64                `json:"revision,omitempty"`
	Members  []PresenceMember      `json:"members,omitempty"`
	Cursors  []collabclient.Cursor `json:"cursors,omitempty"`
	Cursor   *collabclient.Cursor  `json:"cursor,omitempty"`
	Content  string                `json:"content,omitempty"`
}

// 提交失败时回给提交者；clientId/clientSeq 用于客户端匹配是哪一个操作
type ErrorMessage struct {
	Type      string `json:"type"` // 固定 "error"
	DocID     string `json:"docId,omitempty"`
	Code      string `json:"code"`
	Content   string `json:"content,omitempty"`
	ClientId  string `json:"clientId,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`
}

// 广播给同文档房间内所有连接的“已应用操作”事件
// - 提交者自己也会收到，按 clientId+clientSeq 当作确认
// - 前端收到后在本地应用 ops，并将本地 revision 对齐到 revision
type OpBroadcastMessage struct {
	Type         string      `json:"type"` // 固定 "op_broadcast"
	DocID        string      `json:"docId"`
	Revision     uint64      `json:"revision"` // 服务端已应用后的版本
	BaseRevision uint64      `json:"baseRevision"`
	AuthorID     string      `json:"authorId"`
	ClientId     string      `json:"clientId,omitempty"`
	ClientSeq    uint64      `json:"clientSeq,omitempty"`
	Ops          delta.Delta `json:"ops"`
	AppliedAt    time.Time   `json:"appliedAt,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// 隐式实现 OutboundMessage 接口
func (m ServerMessage) MessageType() string      { return m.Type }
func (m ErrorMessage) MessageType() string       { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }

// inboundMessage is what the client side decodes: the union of every server
// message shape.
type inboundMessage struct {
	Type         string                `json:"type"`
	DocID        string                `json:"docId"`
	UserID       string                `json:"userId"`
	Revision     uint64                `json:"revision"`
	BaseRevision uint64                `json:"baseRevision"`
	AuthorID     string                `json:"authorId"`
	ClientId     string                `json:"clientId"`
	ClientSeq    uint64                `json:"clientSeq"`
	Ops          delta.Delta           `json:"ops"`
	Members      []PresenceMember      `json:"members"`
	Cursors      []collabclient.Cursor `json:"cursors"`
	Cursor       *collabclient.Cursor  `json:"cursor"`
	Content      string                `json:"content"`
	Code         string                `json:"code"`
}

func (m PresenceMember) beat() collabclient.PresenceBeat {
	return collabclient.PresenceBeat{UserID: m.UserID, Name: m.Username, Color: m.Color, LastActive: m.LastActive}
}
