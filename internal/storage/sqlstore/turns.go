package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/storage"
)

const defaultRecentTurns = 20

// TurnRepository 将轮次写入 turns 表。
type TurnRepository struct {
	db *DB
}

// NewTurnRepository 创建轮次仓库。
func NewTurnRepository(db *DB) *TurnRepository {
	return &TurnRepository{db: db}
}

// SaveTurn 写入一条已完成的轮次。
func (r *TurnRepository) SaveTurn(ctx context.Context, record storage.TurnRecord) error {
	const stmt = `INSERT INTO turns
        (id, conversation_id, user_id, message, intent, decision, error_kind, reply, iterations, credits_charged, results, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var results sql.NullString
	if len(record.Results) > 0 {
		results = sql.NullString{String: string(record.Results), Valid: true}
	}
	if _, err := r.db.ExecContext(ctx, stmt,
		record.ID,
		record.ConversationID,
		record.UserID,
		record.Message,
		record.Intent,
		record.Decision,
		record.ErrorKind,
		record.Reply,
		record.Iterations,
		record.CreditsCharged.String(),
		results,
		record.CreatedAt.UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入轮次失败")
	}
	return nil
}

// ListRecent 查询会话最近的若干条轮次，按时间倒序排列。
func (r *TurnRepository) ListRecent(ctx context.Context, conversationID string, limit int) ([]storage.TurnRecord, error) {
	if limit <= 0 {
		limit = defaultRecentTurns
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, conversation_id, user_id, message, intent, decision, error_kind, reply, iterations, credits_charged, results, created_at
        FROM turns WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询轮次失败")
	}
	defer rows.Close()

	var records []storage.TurnRecord
	for rows.Next() {
		var (
			record    storage.TurnRecord
			reply     sql.NullString
			results   sql.NullString
			credits   decimal.NullDecimal
			createdAt int64
		)
		if err := rows.Scan(&record.ID, &record.ConversationID, &record.UserID, &record.Message, &record.Intent,
			&record.Decision, &record.ErrorKind, &reply, &record.Iterations, &credits, &results, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析轮次失败")
		}
		record.Reply = reply.String
		if credits.Valid {
			record.CreditsCharged = credits.Decimal
		}
		if results.Valid {
			record.Results = []byte(results.String)
		}
		record.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历轮次失败")
	}
	return records, nil
}

var _ storage.TurnRepository = (*TurnRepository)(nil)
