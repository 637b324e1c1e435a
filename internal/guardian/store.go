package guardian

import "context"

// ActionStore 抽象特权操作记录的持久化。Update 以整行覆盖方式写回，
// 复核流程的互斥由 Authority 的锁保证，存储层不做并发仲裁。
type ActionStore interface {
	Create(ctx context.Context, a *Action) error
	Get(ctx context.Context, id uint64) (*Action, error)
	Update(ctx context.Context, a *Action) error
	ListOpen(ctx context.Context) ([]*Action, error)
	Close() error
}
