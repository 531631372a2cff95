package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AgentFlow/internal/credit"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/pkg/logger"
)

var errAlreadySettled = stdErrors.New("reservation already settled")

// CreditLedger 使用数据库实现积分闸门。扣减依赖带下限条件的 UPDATE，
// 同一用户的并发预留由数据库行锁串行化，余额永远不会变为负数。
type CreditLedger struct {
	db  *DB
	now func() time.Time
}

// NewCreditLedger 创建积分账本。
func NewCreditLedger(db *DB) *CreditLedger {
	return &CreditLedger{db: db, now: time.Now}
}

// CheckAndReserve 实现 credit.Gate。
func (l *CreditLedger) CheckAndReserve(ctx context.Context, userID string, amount decimal.Decimal) (credit.Reservation, error) {
	if err := credit.ValidateRequest(userID, amount); err != nil {
		return credit.Reservation{}, err
	}
	now := l.now()
	res := credit.Reservation{ID: uuid.NewString(), UserID: userID, Amount: amount, CreatedAt: now}
	if amount.IsZero() {
		return res, nil
	}

	err := l.db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE credit_accounts SET balance = balance - ?, reserved = reserved + ?, updated_at = ?
        WHERE user_id = ? AND balance >= ?`, amount.String(), amount.String(), now.UnixMilli(), userID, amount.String())
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "预留积分失败")
		}
		if affected, err := result.RowsAffected(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		} else if affected == 0 {
			available, err := balanceOf(ctx, tx, userID)
			if err != nil {
				return err
			}
			return credit.Insufficient(userID, amount, available)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO credit_reservations (id, user_id, amount, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`, res.ID, userID, amount.String(), string(credit.StatusReserved), now.UnixMilli(), now.UnixMilli()); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入积分预留失败")
		}
		return appendLedger(ctx, tx, userID, res.ID, credit.EntryReserve, amount, now)
	})
	if err != nil {
		return credit.Reservation{}, err
	}
	return res, nil
}

// Finalize 实现 credit.Gate。
func (l *CreditLedger) Finalize(ctx context.Context, r credit.Reservation) (decimal.Decimal, error) {
	return l.settle(ctx, r, credit.StatusCharged)
}

// Release 实现 credit.Gate。
func (l *CreditLedger) Release(ctx context.Context, r credit.Reservation) (decimal.Decimal, error) {
	return l.settle(ctx, r, credit.StatusReleased)
}

func (l *CreditLedger) settle(ctx context.Context, r credit.Reservation, status credit.Status) (decimal.Decimal, error) {
	if r.Empty() {
		return decimal.Zero, nil
	}
	now := l.now()
	var (
		userID string
		amount decimal.Decimal
	)
	err := l.db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE credit_reservations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(status), now.UnixMilli(), r.ID, string(credit.StatusReserved))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "结算积分预留失败")
		}
		if affected, err := result.RowsAffected(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		} else if affected == 0 {
			return errAlreadySettled
		}

		if err := tx.QueryRowContext(ctx, `SELECT user_id, amount FROM credit_reservations WHERE id = ?`, r.ID).Scan(&userID, &amount); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询积分预留失败")
		}

		update := `UPDATE credit_accounts SET reserved = reserved - ?, updated_at = ? WHERE user_id = ?`
		args := []any{amount.String(), now.UnixMilli(), userID}
		kind := credit.EntryCharge
		if status == credit.StatusReleased {
			update = `UPDATE credit_accounts SET balance = balance + ?, reserved = reserved - ?, updated_at = ? WHERE user_id = ?`
			args = []any{amount.String(), amount.String(), now.UnixMilli(), userID}
			kind = credit.EntryRelease
		}
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新积分账户失败")
		}
		return appendLedger(ctx, tx, userID, r.ID, kind, amount, now)
	})
	if stdErrors.Is(err, errAlreadySettled) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	logger.Audit().Info("credit."+string(status), "user_id", userID, "reservation_id", r.ID, "amount", amount.String())
	return amount, nil
}

// Deposit 为用户充值，账户不存在时创建。
func (l *CreditLedger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := credit.ValidateRequest(userID, amount); err != nil {
		return err
	}
	now := l.now()
	upsert := `INSERT INTO credit_accounts (user_id, balance, reserved, updated_at) VALUES (?, ?, 0, ?)
        ON DUPLICATE KEY UPDATE balance = balance + VALUES(balance), updated_at = VALUES(updated_at)`
	if l.db.Dialect == DialectSQLite {
		upsert = `INSERT INTO credit_accounts (user_id, balance, reserved, updated_at) VALUES (?, ?, 0, ?)
        ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`
	}
	err := l.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsert, userID, amount.String(), now.UnixMilli()); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "充值失败")
		}
		return appendLedger(ctx, tx, userID, "", credit.EntryDeposit, amount, now)
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("credit.deposit", "user_id", userID, "amount", amount.String())
	return nil
}

// Balance 返回用户的可用与冻结积分。账户不存在时返回零。
func (l *CreditLedger) Balance(ctx context.Context, userID string) (available, reserved decimal.Decimal, err error) {
	err = l.db.QueryRowContext(ctx, `SELECT balance, reserved FROM credit_accounts WHERE user_id = ?`, userID).Scan(&available, &reserved)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询积分余额失败")
	}
	return available, reserved, nil
}

func balanceOf(ctx context.Context, tx *sql.Tx, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询积分余额失败")
	}
	return balance, nil
}

// appendLedger 写入一条流水，balance_after 取事务内的最新余额。
func appendLedger(ctx context.Context, tx *sql.Tx, userID, reservationID string, kind credit.EntryKind, amount decimal.Decimal, at time.Time) error {
	balance, err := balanceOf(ctx, tx, userID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO credit_ledger (user_id, reservation_id, kind, amount, balance_after, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`, userID, reservationID, string(kind), amount.String(), balance.String(), at.UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入积分流水失败")
	}
	return nil
}

var _ credit.Gate = (*CreditLedger)(nil)
