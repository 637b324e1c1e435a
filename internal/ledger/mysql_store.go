package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Reverso-Core/internal/errors"
)

// MySQLStore 使用 MySQL 记录转账与资金口径。表结构由
// internal/storage/mysql 的迁移流程负责创建。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的连接创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const transferColumns = `id, sender, recipient, asset, gross_amount, net_amount, fee, premium,
        created_at, unlock_at, expires_at, recovery_address_1, recovery_address_2,
        memo, status, has_insurance, status_reason, settled_at`

// Create 在单个事务内插入转账记录并记入三个资金口径。
// ID 由自增主键分配，永不复用。事务中途失败时整体回滚，
// 不会留下有记录无口径（或反之）的半成品。
func (s *MySQLStore) Create(ctx context.Context, t *Transfer) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transfer 不能为空")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启创建事务失败")
	}
	defer tx.Rollback()

	const stmt = `INSERT INTO transfers
        (sender, recipient, asset, gross_amount, net_amount, fee, premium,
         created_at, unlock_at, expires_at, recovery_address_1, recovery_address_2,
         memo, status, has_insurance, status_reason, settled_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0)`

	result, err := tx.ExecContext(ctx, stmt,
		t.Sender.Hex(),
		t.Recipient.Hex(),
		t.Asset.Hex(),
		t.GrossAmount.String(),
		t.NetAmount.String(),
		t.Fee.String(),
		t.Premium.String(),
		t.CreatedAt,
		t.UnlockAt,
		t.ExpiresAt,
		t.RecoveryAddress1.Hex(),
		t.RecoveryAddress2.Hex(),
		t.Memo,
		uint8(t.Status),
		t.HasInsurance,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入转账失败")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取转账 ID 失败")
	}

	if _, err := adjustBalanceTx(ctx, tx, BalanceLocked, t.Asset, t.NetAmount); err != nil {
		return err
	}
	if _, err := adjustBalanceTx(ctx, tx, BalanceTreasuryFees, t.Asset, t.Fee); err != nil {
		return err
	}
	if t.HasInsurance && t.Premium.Sign() > 0 {
		if _, err := adjustBalanceTx(ctx, tx, BalanceInsurancePool, t.Asset, t.Premium); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交创建事务失败")
	}
	t.ID = uint64(id)
	return nil
}

// Get 查询指定转账。
func (s *MySQLStore) Get(ctx context.Context, id uint64) (*Transfer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	t, err := scanTransfer(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询转账失败")
	}
	return t, nil
}

// Transition 以 CAS 语义执行状态迁移，并在同一事务内扣减锁定额：
// 当前状态不匹配时拒绝，扣减失败时连同状态更新一起回滚。
func (s *MySQLStore) Transition(ctx context.Context, id uint64, from, to Status, reason string, settledAt int64) (*Transfer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启结清事务失败")
	}
	defer tx.Rollback()

	const stmt = `UPDATE transfers SET status = ?, status_reason = ?, settled_at = ?
        WHERE id = ? AND status = ?`
	result, err := tx.ExecContext(ctx, stmt, uint8(to), reason, settledAt, id, uint8(from))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新转账状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrTransferNotPending
	}

	row := tx.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	settled, err := scanTransfer(row)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询转账失败")
	}
	if _, err := adjustBalanceTx(ctx, tx, BalanceLocked, settled.Asset, new(big.Int).Neg(settled.NetAmount)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交结清事务失败")
	}
	return settled, nil
}

// ListBySender 返回某地址发起的全部转账。
func (s *MySQLStore) ListBySender(ctx context.Context, sender common.Address) ([]*Transfer, error) {
	return s.list(ctx, `SELECT `+transferColumns+` FROM transfers WHERE sender = ? ORDER BY id`, sender.Hex())
}

// ListByRecipient 返回某地址接收的全部转账。
func (s *MySQLStore) ListByRecipient(ctx context.Context, recipient common.Address) ([]*Transfer, error) {
	return s.list(ctx, `SELECT `+transferColumns+` FROM transfers WHERE recipient = ? ORDER BY id`, recipient.Hex())
}

func (s *MySQLStore) list(ctx context.Context, query string, args ...any) ([]*Transfer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询转账列表失败")
	}
	defer rows.Close()

	var results []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析转账记录失败")
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历转账列表失败")
	}
	return results, nil
}

// ListExpiredPending 返回已过期但仍处于 Pending 的转账 ID。
func (s *MySQLStore) ListExpiredPending(ctx context.Context, asOf int64, limit int) ([]uint64, error) {
	query := `SELECT id FROM transfers WHERE status = ? AND expires_at <= ? ORDER BY id`
	args := []any{uint8(StatusPending), asOf}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询过期转账失败")
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析过期转账 ID 失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历过期转账失败")
	}
	return ids, nil
}

// AdjustBalance 在单个事务内对指定口径加减余额，结果为负时回滚。
func (s *MySQLStore) AdjustBalance(ctx context.Context, kind BalanceKind, asset common.Address, delta *big.Int) (*big.Int, error) {
	if delta == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "delta 不能为空")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启余额事务失败")
	}
	defer tx.Rollback()

	next, err := adjustBalanceTx(ctx, tx, kind, asset, delta)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交余额事务失败")
	}
	return next, nil
}

// adjustBalanceTx 在调用方的事务内对指定口径加减余额，
// 结果为负时返回错误，由调用方回滚整个事务。
func adjustBalanceTx(ctx context.Context, tx *sql.Tx, kind BalanceKind, asset common.Address, delta *big.Int) (*big.Int, error) {
	var raw string
	current := big.NewInt(0)
	err := tx.QueryRowContext(ctx,
		`SELECT amount FROM asset_balances WHERE kind = ? AND asset = ? FOR UPDATE`,
		string(kind), asset.Hex(),
	).Scan(&raw)
	switch {
	case err == nil:
		parsed, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeStorageFailure, "余额字段损坏")
		}
		current = parsed
	case stdErrors.Is(err, sql.ErrNoRows):
		// 首次出现的 (kind, asset) 组合从零开始。
	default:
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}

	next := new(big.Int).Add(current, delta)
	if next.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInsufficientFunds, "余额不足")
	}

	const upsert = `INSERT INTO asset_balances (kind, asset, amount) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE amount = VALUES(amount)`
	if _, err := tx.ExecContext(ctx, upsert, string(kind), asset.Hex(), next.String()); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入余额失败")
	}
	return next, nil
}

// Balance 返回指定口径的当前余额。
func (s *MySQLStore) Balance(ctx context.Context, kind BalanceKind, asset common.Address) (*big.Int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM asset_balances WHERE kind = ? AND asset = ?`,
		string(kind), asset.Hex(),
	).Scan(&raw)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	parsed, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "余额字段损坏")
	}
	return parsed, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*Transfer, error) {
	var (
		t                              Transfer
		sender, recipient, asset       string
		gross, net, fee, premium       string
		recovery1, recovery2           string
		status                         uint8
	)
	if err := row.Scan(
		&t.ID, &sender, &recipient, &asset, &gross, &net, &fee, &premium,
		&t.CreatedAt, &t.UnlockAt, &t.ExpiresAt, &recovery1, &recovery2,
		&t.Memo, &status, &t.HasInsurance, &t.StatusReason, &t.SettledAt,
	); err != nil {
		return nil, err
	}
	t.Sender = common.HexToAddress(sender)
	t.Recipient = common.HexToAddress(recipient)
	t.Asset = common.HexToAddress(asset)
	t.RecoveryAddress1 = common.HexToAddress(recovery1)
	t.RecoveryAddress2 = common.HexToAddress(recovery2)
	t.Status = Status(status)

	var ok bool
	if t.GrossAmount, ok = new(big.Int).SetString(gross, 10); !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "gross_amount 字段损坏")
	}
	if t.NetAmount, ok = new(big.Int).SetString(net, 10); !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "net_amount 字段损坏")
	}
	if t.Fee, ok = new(big.Int).SetString(fee, 10); !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "fee 字段损坏")
	}
	if t.Premium, ok = new(big.Int).SetString(premium, 10); !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "premium 字段损坏")
	}
	return &t, nil
}

var _ Store = (*MySQLStore)(nil)
