// Package ledger 实现可撤销转账的核心账本：
// 创建、撤销、领取、过期退款与救援构成单向状态机，
// 手续费、保费与锁定净额分别计入独立的资金口径。
// 所有资金外付都发生在内部状态落账之后。
package ledger
