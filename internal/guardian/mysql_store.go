package guardian

import (
	"context"
	"database/sql"
	stdErrors "errors"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Reverso-Core/internal/errors"
)

// MySQLActionStore 使用 MySQL 持久化特权操作记录。
type MySQLActionStore struct {
	db *sql.DB
}

// NewMySQLActionStore 基于已建立的连接创建 MySQLActionStore。
func NewMySQLActionStore(db *sql.DB) (*MySQLActionStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLActionStore{db: db}, nil
}

const actionColumns = `id, type, target, reason, proposed_by, confirmed_by,
        proposed_at, executable_at, settled_at, status`

// Create 插入新的操作记录，ID 由自增主键分配。
func (s *MySQLActionStore) Create(ctx context.Context, a *Action) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "action 不能为空")
	}
	const stmt = `INSERT INTO guardian_actions
        (type, target, reason, proposed_by, confirmed_by, proposed_at, executable_at, settled_at, status)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, stmt,
		string(a.Type),
		a.Target.Hex(),
		a.Reason,
		a.ProposedBy.Hex(),
		a.ConfirmedBy.Hex(),
		a.ProposedAt,
		a.ExecutableAt,
		a.SettledAt,
		uint8(a.Status),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入操作记录失败")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取操作 ID 失败")
	}
	a.ID = uint64(id)
	return nil
}

// Get 查询指定操作。
func (s *MySQLActionStore) Get(ctx context.Context, id uint64) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM guardian_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作失败")
	}
	return a, nil
}

// Update 覆盖写回操作记录。
func (s *MySQLActionStore) Update(ctx context.Context, a *Action) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "action 不能为空")
	}
	const stmt = `UPDATE guardian_actions
        SET confirmed_by = ?, settled_at = ?, status = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt, a.ConfirmedBy.Hex(), a.SettledAt, uint8(a.Status), a.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新操作记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, a.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListOpen 返回尚未进入终态的操作，按 ID 升序。
func (s *MySQLActionStore) ListOpen(ctx context.Context) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM guardian_actions WHERE status IN (?, ?) ORDER BY id`,
		uint8(ActionPending), uint8(ActionConfirmed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作列表失败")
	}
	defer rows.Close()

	var results []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作记录失败")
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历操作列表失败")
	}
	return results, nil
}

// Close 关闭数据库连接。
func (s *MySQLActionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var (
		a                               Action
		actionType                      string
		target, proposedBy, confirmedBy string
		status                          uint8
	)
	if err := row.Scan(
		&a.ID, &actionType, &target, &a.Reason, &proposedBy, &confirmedBy,
		&a.ProposedAt, &a.ExecutableAt, &a.SettledAt, &status,
	); err != nil {
		return nil, err
	}
	a.Type = ActionType(actionType)
	a.Target = common.HexToAddress(target)
	a.ProposedBy = common.HexToAddress(proposedBy)
	a.ConfirmedBy = common.HexToAddress(confirmedBy)
	a.Status = ActionStatus(status)
	return &a, nil
}

var _ ActionStore = (*MySQLActionStore)(nil)
