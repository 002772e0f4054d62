package collab

import (
	"time"

	"ottowrite/backend/internal/ot/delta"
)

const EventOpApplied = "OP_APPLIED"

// DocOpEvent is the Kafka record for one sequenced op, keyed by document so
// a consumer sees each document's revisions in order.
type DocOpEvent struct {
	EventType    string      `json:"eventType"`
	DocID        string      `json:"docId"`
	OperationID  string      `json:"operationId"`
	Revision     uint64      `json:"revision"`
	BaseRevision uint64      `json:"baseRevision"`
	AuthorID     string      `json:"authorId"`
	ClientID     string      `json:"clientId"`
	ClientSeq    uint64      `json:"clientSeq"`
	Ops          delta.Delta `json:"ops"`
	// 应用后的文档长度（rune），消费方可以据此校验重放结果
	Length    int       `json:"length"`
	AppliedAt time.Time `json:"appliedAt"`
}

func opAppliedEvent(docID string, op AppliedOp) DocOpEvent {
	return DocOpEvent{
		EventType:    EventOpApplied,
		DocID:        docID,
		OperationID:  op.OperationID,
		Revision:     op.Revision,
		BaseRevision: op.BaseRevision,
		AuthorID:     op.AuthorID,
		ClientID:     op.ClientID,
		ClientSeq:    op.ClientSeq,
		Ops:          op.Ops,
		Length:       op.Ops.TargetLen(),
		AppliedAt:    op.AppliedAt,
	}
}
