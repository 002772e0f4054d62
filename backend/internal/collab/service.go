package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"ottowrite/backend/internal/ot/delta"
)

// 协作引擎接口：每个文档一个中心序列器，所有操作在这里串行化并分配版本号
type Service interface {
	// Open 返回文档当前内容和版本；文档不在内存时先从快照加载，没有快照则用 seed 创建
	Open(ctx context.Context, docID string, seed string) (string, uint64, error)

	Submit(ctx context.Context, docID string, authorID string,
		baseRevision uint64, clientID string, clientSeq uint64,
		ops delta.Delta) (AppliedOp, error)

	CurrentRevision(ctx context.Context, docID string) (uint64, error)

	LoadDocumentContent(ctx context.Context, docID string) (string, uint64, error)

	// 用于握手/追平
	OpsSince(ctx context.Context, docID string, fromRevision uint64, limit int) ([]AppliedOp, error)

	SaveSnapshot(ctx context.Context, docID string) error

	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID string, title string) (string, error)
}

// 快照存储接口
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error
	LatestDocumentSnapshot(ctx context.Context, docID string) (content string, rev uint64, found bool, err error)
}

type DocumentStore interface {
	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID string, title string) (string, error)
}

// EventDispatcher receives every applied op, e.g. KafkaDispatcher.
type EventDispatcher interface {
	Enqueue(ctx context.Context, evt DocOpEvent) error
}

type AppliedOp struct {
	OperationID  string // 本次操作的唯一ID（用于幂等/追踪）
	Revision     uint64 // 全局版本号
	BaseRevision uint64 // 客户端提交时的 base
	AuthorID     string
	ClientID     string
	ClientSeq    uint64
	// 已按序列器历史变换过的操作
	Ops       delta.Delta
	AppliedAt time.Time
}

var (
	ErrRevisionConflict      = errors.New("REVISION_CONFLICT")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrDocumentNotFound      = errors.New("DOCUMENT_NOT_FOUND")
)

type ServiceOptions struct {
	// 近期操作环形缓冲容量，决定能追平多旧的 baseRevision
	RingCap int
	// 事件入队的最长等待
	EnqueueTimeout time.Duration
}

type docState struct {
	mu       sync.RWMutex
	revision uint64
	opsRing  []AppliedOp
	// 去重窗口：记录某 clientId 最近的最大 clientSeq
	lastSeqByClient map[string]uint64
	// 文档内容缓冲区
	buf Buffer
}

func (ds *docState) snapshot() (string, uint64) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.buf.String(), ds.revision
}

// 内存实现：持有所有文档的状态
type InMemoryService struct {
	mu             sync.RWMutex
	docs           map[string]*docState
	ringCap        int
	enqueueTimeout time.Duration

	snapshots SnapshotStore
	documents DocumentStore
	events    EventDispatcher

	// 冷加载合并：同一文档的并发 Open 只查一次快照
	loads singleflight.Group
}

// NewInMemoryService 返回一个满足 Service 接口的实例；三个依赖都可以为 nil
func NewInMemoryService(snapshots SnapshotStore, documents DocumentStore, events EventDispatcher, opt ServiceOptions) *InMemoryService {
	if opt.RingCap <= 0 {
		opt.RingCap = 1024
	}
	if opt.EnqueueTimeout <= 0 {
		opt.EnqueueTimeout = 50 * time.Millisecond
	}
	return &InMemoryService{
		docs:           make(map[string]*docState),
		ringCap:        opt.RingCap,
		enqueueTimeout: opt.EnqueueTimeout,
		snapshots:      snapshots,
		documents:      documents,
		events:         events,
	}
}

func (s *InMemoryService) lookup(docID string) *docState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docID]
}

func (s *InMemoryService) install(docID, content string, rev uint64) *docState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds := s.docs[docID]; ds != nil {
		return ds
	}
	ds := &docState{
		revision:        rev,
		lastSeqByClient: make(map[string]uint64),
		opsRing:         make([]AppliedOp, 0, s.ringCap),
		buf:             NewPieceTable(content),
	}
	s.docs[docID] = ds
	return ds
}

func (s *InMemoryService) Open(ctx context.Context, docID string, seed string) (string, uint64, error) {
	if docID == "" {
		return "", 0, fmt.Errorf("%w: empty document id", ErrDocumentNotFound)
	}
	if ds := s.lookup(docID); ds != nil {
		content, rev := ds.snapshot()
		return content, rev, nil
	}
	v, err, _ := s.loads.Do(docID, func() (interface{}, error) {
		if ds := s.lookup(docID); ds != nil {
			return ds, nil
		}
		content, rev := seed, uint64(0)
		if s.snapshots != nil {
			c, r, found, err := s.snapshots.LatestDocumentSnapshot(ctx, docID)
			if err != nil {
				return nil, err
			}
			if found {
				content, rev = c, r
			}
		}
		return s.install(docID, content, rev), nil
	})
	if err != nil {
		return "", 0, err
	}
	ds, ok := v.(*docState)
	if !ok {
		return "", 0, errors.New("internal type error")
	}
	content, rev := ds.snapshot()
	return content, rev, nil
}

// Submit 把客户端基于 baseRevision 的操作变换到当前版本后应用。
// 历史中的操作先被序列化，同位置插入时历史操作的文本在前。
func (s *InMemoryService) Submit(ctx context.Context, docID string, authorID string, baseRevision uint64, clientID string, clientSeq uint64, ops delta.Delta) (AppliedOp, error) {
	ds := s.lookup(docID)
	if ds == nil {
		return AppliedOp{}, ErrDocumentNotFound
	}
	applied, err := ds.submit(authorID, baseRevision, clientID, clientSeq, ops)
	if err != nil {
		return AppliedOp{}, err
	}

	// 事件异步发出，不阻塞主流程
	if s.events != nil {
		enqueueCtx, cancel := context.WithTimeout(ctx, s.enqueueTimeout)
		defer cancel()
		if err := s.events.Enqueue(enqueueCtx, opAppliedEvent(docID, applied)); err != nil {
			log.Printf("enqueue op event failed, doc=%s rev=%d err=%v", docID, applied.Revision, err)
		}
	}
	return applied, nil
}

func (ds *docState) submit(authorID string, baseRevision uint64, clientID string, clientSeq uint64, ops delta.Delta) (AppliedOp, error) {
	if err := ops.Validate(); err != nil {
		return AppliedOp{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	// 幂等/去重：同一 clientId 的 clientSeq 只允许递增
	if last, ok := ds.lastSeqByClient[clientID]; ok && clientSeq <= last {
		return AppliedOp{}, ErrDuplicateOrOutOfOrder
	}
	// 版本校验：base 不能超前，也不能早于环形缓冲能覆盖的范围
	oldest := ds.revision - uint64(len(ds.opsRing))
	if baseRevision > ds.revision || baseRevision < oldest {
		return AppliedOp{}, fmt.Errorf("%w: base %d, window [%d,%d]", ErrRevisionConflict, baseRevision, oldest, ds.revision)
	}

	transformed := ops
	for _, past := range ds.opsRing {
		if past.Revision <= baseRevision {
			continue
		}
		if past.ClientID == clientID {
			// 客户端负责缓冲：同一客户端的新操作必须基于它自己已确认的操作
			return AppliedOp{}, fmt.Errorf("%w: op is not parented off server state", ErrRevisionConflict)
		}
		var err error
		if _, transformed, err = delta.Transform(past.Ops, transformed); err != nil {
			return AppliedOp{}, err
		}
	}

	if err := ds.buf.Apply(transformed); err != nil {
		return AppliedOp{}, err
	}

	// 推进版本
	ds.revision++
	applied := AppliedOp{
		OperationID:  uuid.NewString(),
		Revision:     ds.revision,
		BaseRevision: baseRevision,
		AuthorID:     authorID,
		ClientID:     clientID,
		ClientSeq:    clientSeq,
		Ops:          transformed,
		AppliedAt:    time.Now(),
	}

	// 保存到环形缓冲（如果达到容量则丢弃最老的一条）
	if cap(ds.opsRing) > 0 && len(ds.opsRing) == cap(ds.opsRing) {
		copy(ds.opsRing[0:], ds.opsRing[1:])
		ds.opsRing = ds.opsRing[:len(ds.opsRing)-1]
	}
	ds.opsRing = append(ds.opsRing, applied)
	ds.lastSeqByClient[clientID] = clientSeq

	return applied, nil
}

// 返回当前文档版本
func (s *InMemoryService) CurrentRevision(ctx context.Context, docID string) (uint64, error) {
	ds := s.lookup(docID)
	if ds == nil {
		return 0, nil
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.revision, nil
}

func (s *InMemoryService) LoadDocumentContent(ctx context.Context, docID string) (string, uint64, error) {
	ds := s.lookup(docID)
	if ds == nil {
		return "", 0, ErrDocumentNotFound
	}
	content, rev := ds.snapshot()
	return content, rev, nil
}

// 返回 fromRevision 之后的已应用操作；起点已被环形缓冲覆盖时返回 ErrRevisionConflict
func (s *InMemoryService) OpsSince(ctx context.Context, docID string, fromRevision uint64, limit int) ([]AppliedOp, error) {
	ds := s.lookup(docID)
	if ds == nil {
		return nil, ErrDocumentNotFound
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	oldest := ds.revision - uint64(len(ds.opsRing))
	if fromRevision > ds.revision || fromRevision < oldest {
		return nil, fmt.Errorf("%w: from %d, window [%d,%d]", ErrRevisionConflict, fromRevision, oldest, ds.revision)
	}
	var out []AppliedOp
	for _, op := range ds.opsRing {
		if op.Revision > fromRevision {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, docID string) error {
	if s.snapshots == nil {
		return errors.New("snapshot store not initialized")
	}
	ds := s.lookup(docID)
	if ds == nil {
		return ErrDocumentNotFound
	}
	content, rev := ds.snapshot()
	return s.snapshots.SaveDocumentSnapshot(ctx, docID, rev, content)
}

func (s *InMemoryService) GetDocumentID(ctx context.Context, title string) (string, error) {
	if s.documents == nil {
		return "", errors.New("document store not initialized")
	}
	return s.documents.GetDocumentID(ctx, title)
}

func (s *InMemoryService) CreateDocument(ctx context.Context, ownerID string, title string) (string, error) {
	if s.documents == nil {
		return "", errors.New("document store not initialized")
	}
	return s.documents.CreateDocument(ctx, ownerID, title)
}
