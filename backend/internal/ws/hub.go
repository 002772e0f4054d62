package ws

import (
	"log"
	"sync"

	"ottowrite/backend/internal/cache"
	"ottowrite/backend/internal/collab"
)

// room 的锁把“提交+广播”和“加入时取快照”串行化：
// 同一文档的广播按版本顺序进入每个连接的发送队列，新加入的连接
// 先收到快照，再收到快照之后的操作。
type room struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
	dead  bool // 已从 rooms 中移除，需要重新获取
}

type Hub struct {
	// 接口实例（Redis 实现）。它本身不“存数据”，而是提供对外部存储的读写能力，
	// 用来落地/共享在线状态与光标信息
	presence cache.PresenceCache
	// 保护 rooms 这个 map
	mu sync.Mutex
	// docID -> room
	rooms map[string]*room
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]*room)}
}

// lockRoom 返回已加锁的房间；create 为 false 且房间不存在时返回 nil
func (h *Hub) lockRoom(docID string, create bool) *room {
	for {
		h.mu.Lock()
		r := h.rooms[docID]
		if r == nil {
			if !create {
				h.mu.Unlock()
				return nil
			}
			// 房间里存的是连接而不是 userID：一个用户可开多个标签页/设备
			r = &room{conns: make(map[*Conn]struct{})}
			h.rooms[docID] = r
		}
		h.mu.Unlock()

		r.mu.Lock()
		if !r.dead {
			return r
		}
		r.mu.Unlock()
	}
}

// Join adds c to the room and enqueues the reply built by snapshot while no
// op can be applied to the document.
func (h *Hub) Join(docID string, c *Conn, snapshot func() (OutboundMessage, error)) error {
	r := h.lockRoom(docID, true)
	defer r.mu.Unlock()
	msg, err := snapshot()
	if err != nil {
		return err
	}
	r.conns[c] = struct{}{}
	if !c.Enqueue(msg) {
		// 没收到快照的连接无法参与协作，移出房间并断开
		log.Printf("send queue full on join, dropping connection (user=%s, doc=%s)", c.userID, docID)
		h.removeLocked(docID, r, c)
		c.kick()
		return ErrSendQueueFull
	}
	return nil
}

// Leave 将连接从指定文档房间移除，返回它之前是否在房间里
func (h *Hub) Leave(docID string, c *Conn) bool {
	r := h.lockRoom(docID, false)
	if r == nil {
		return false
	}
	defer r.mu.Unlock()
	_, ok := r.conns[c]
	h.removeLocked(docID, r, c)
	return ok
}

// removeLocked 需持有 r.mu；房间空了就从 rooms 摘掉
func (h *Hub) removeLocked(docID string, r *room, c *Conn) {
	delete(r.conns, c)
	if len(r.conns) == 0 {
		r.dead = true
		h.mu.Lock()
		if h.rooms[docID] == r {
			delete(h.rooms, docID)
		}
		h.mu.Unlock()
	}
}

// Submit runs apply and broadcasts its result to every connection in the
// room, the submitter included.
func (h *Hub) Submit(docID string, apply func() (collab.AppliedOp, error)) (collab.AppliedOp, error) {
	r := h.lockRoom(docID, true)
	defer r.mu.Unlock()
	applied, err := apply()
	if err != nil {
		return applied, err
	}
	msg := OpBroadcastMessage{
		Type:         TypeOpBroadcast,
		DocID:        docID,
		Revision:     applied.Revision,
		BaseRevision: applied.BaseRevision,
		AuthorID:     applied.AuthorID,
		ClientId:     applied.ClientID,
		ClientSeq:    applied.ClientSeq,
		Ops:          applied.Ops,
		AppliedAt:    applied.AppliedAt,
	}
	for c := range r.conns {
		if !c.Enqueue(msg) {
			// 丢掉操作会让客户端版本断档，直接断开让它重连
			log.Printf("send queue full, dropping connection (user=%s, doc=%s)", c.userID, docID)
			c.kick()
		}
	}
	return applied, nil
}

// Broadcast 发给房间内除 except 以外的连接；队列满时丢弃
func (h *Hub) Broadcast(docID string, msg OutboundMessage, except *Conn) {
	r := h.lockRoom(docID, false)
	if r == nil {
		return
	}
	defer r.mu.Unlock()
	for c := range r.conns {
		if c != except {
			c.Enqueue(msg)
		}
	}
}

func (h *Hub) RoomSize(docID string) int {
	r := h.lockRoom(docID, false)
	if r == nil {
		return 0
	}
	defer r.mu.Unlock()
	return len(r.conns)
}
