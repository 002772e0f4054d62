package collabclient

import (
	"context"
	"time"

	"ottowrite/backend/internal/ot/delta"
)

// 源端拒绝码，与 collab 包的哨兵错误一致
const (
	CodeRevisionConflict = "REVISION_CONFLICT"
	CodeDuplicate        = "DUPLICATE_OR_OUT_OF_ORDER"
	CodeInvalidOperation = "INVALID_OPERATION"
)

// Operation is one text operation on the wire. Clients publish it with
// BaseVersion set to their acknowledged revision; the origin broadcasts the
// transformed op with Revision set.
type Operation struct {
	Ops          delta.Delta `json:"op"`
	BaseVersion  uint64      `json:"baseVersion"`
	Revision     uint64      `json:"revision,omitempty"`
	OriginUserID string      `json:"originUserId"`
	ClientID     string      `json:"clientId"`
	Seq          uint64      `json:"seq"`
}

type Cursor struct {
	UserID         string `json:"userId"`
	Position       int    `json:"position"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
}

type PresenceBeat struct {
	UserID     string    `json:"userId"`
	Name       string    `json:"name"`
	Color      string    `json:"color"`
	LastActive time.Time `json:"lastActive"`
}

// Snapshot is the authoritative state handed over when a subscription starts.
type Snapshot struct {
	Content  string         `json:"content"`
	Revision uint64         `json:"revision"`
	Members  []PresenceBeat `json:"members,omitempty"`
	Cursors  []Cursor       `json:"cursors,omitempty"`
}

type Rejection struct {
	ClientID string `json:"clientId"`
	Seq      uint64 `json:"seq"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

type JoinRequest struct {
	DocumentID     string
	UserID         string
	UserName       string
	Color          string
	InitialContent string // 文档不存在时用作初始内容
}

// Handlers are invoked by the transport one at a time, in delivery order.
// OnJoin must be called before Subscribe returns.
type Handlers struct {
	OnJoin          func(Snapshot)
	OnOperation     func(Operation)
	OnCursor        func(Cursor)
	OnPresence      func(PresenceBeat)
	OnPresenceLeave func(userID string)
	OnReject        func(Rejection)
	OnClose         func(err error)
}

type Subscription interface {
	DocumentID() string
}

// Transport is the pub/sub channel keyed by document ID. Publish methods only
// enqueue: they must not block on the network and must not call Handlers
// synchronously.
type Transport interface {
	Subscribe(ctx context.Context, req JoinRequest, h Handlers) (Subscription, error)
	PublishOperation(ctx context.Context, docID string, op Operation) error
	PublishCursor(ctx context.Context, docID string, cur Cursor) error
	PublishPresence(ctx context.Context, docID string, beat PresenceBeat) error
	Unsubscribe(ctx context.Context, sub Subscription) error
}
