package event

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type 标识一次状态变更事件的种类。事件集合是封闭的，
// 下游的 webhook 分发层依赖该集合做穷举处理。
type Type string

const (
	TypeTransferCreated    Type = "transfer.created"
	TypeTransferClaimed    Type = "transfer.claimed"
	TypeTransferCancelled  Type = "transfer.cancelled"
	TypeTransferRefunded   Type = "transfer.refunded"
	TypeTransferFrozen     Type = "transfer.frozen"
	TypeManualRefundIssued Type = "transfer.manual_refund"
	TypeInsuranceClaimPaid Type = "insurance.claim_paid"
	TypeLedgerPaused       Type = "ledger.paused"
	TypeLedgerUnpaused     Type = "ledger.unpaused"
	TypeTreasuryChanged    Type = "ledger.treasury_changed"
	TypeActionProposed     Type = "guardian.action_proposed"
	TypeActionExecuted     Type = "guardian.action_executed"
	TypeActionCancelled    Type = "guardian.action_cancelled"
)

// Event 是对外发布的单条状态变更记录。ID 是幂等键，
// Seq 保证同一个发布源内的全序。
type Event struct {
	ID         string `json:"id"`
	Seq        uint64 `json:"seq"`
	Type       Type   `json:"type"`
	TransferID uint64 `json:"transfer_id,omitempty"`
	ActionID   uint64 `json:"action_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Asset      string `json:"asset,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
}

// Publisher 负责把事件投递给外部消费方。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Recorder 为事件补齐幂等键与序号后交给 Publisher。
// 账本与监管机构共用同一个 Recorder，以保证事件全序。
type Recorder struct {
	pub Publisher
	seq atomic.Uint64
	now func() time.Time
}

// NewRecorder 创建 Recorder。now 为空时使用系统时钟。
func NewRecorder(pub Publisher, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{pub: pub, now: now}
}

// Emit 填充事件元信息并发布。发布失败不回滚业务状态，由调用方记录日志。
func (r *Recorder) Emit(ctx context.Context, evt Event) error {
	if r == nil || r.pub == nil {
		return nil
	}
	evt.ID = uuid.NewString()
	evt.Seq = r.seq.Add(1)
	if evt.OccurredAt == 0 {
		evt.OccurredAt = r.now().Unix()
	}
	return r.pub.Publish(ctx, evt)
}

// Close 释放底层发布器。
func (r *Recorder) Close() error {
	if r == nil || r.pub == nil {
		return nil
	}
	return r.pub.Close()
}
