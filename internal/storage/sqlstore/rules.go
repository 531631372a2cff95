package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/rules"
)

const selectRulesSQL = `SELECT id, owner_user_id, name, metric_entity, metric_name, operator, threshold, window_seconds,
        action_kind, action_service, action_params, cooldown_seconds, last_evaluated_at, last_triggered_at
        FROM automation_rules WHERE active = 1`

// RuleRepository 从 automation_rules 表读取规则。规则由外部管理端维护，
// 这里只回写评估与触发时间。
type RuleRepository struct {
	db *DB
}

// NewRuleRepository 创建规则仓库。
func NewRuleRepository(db *DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// ListActive 实现 rules.Store。
func (r *RuleRepository) ListActive(ctx context.Context, userID string) ([]rules.Rule, error) {
	query := selectRulesSQL
	var args []any
	if strings.TrimSpace(userID) != "" {
		query += " AND owner_user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询规则失败")
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var (
			rule                     rules.Rule
			operator                 string
			windowSec, cooldownSec   int64
			params                   sql.NullString
			lastEvaluated, lastFired sql.NullInt64
		)
		if err := rows.Scan(&rule.ID, &rule.OwnerUserID, &rule.Name, &rule.Condition.Entity, &rule.Condition.Metric,
			&operator, &rule.Condition.Threshold, &windowSec, &rule.Action.Kind, &rule.Action.Service, &params,
			&cooldownSec, &lastEvaluated, &lastFired); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析规则失败")
		}
		rule.Active = true
		rule.Condition.Operator = rules.Operator(operator)
		rule.Condition.Window = time.Duration(windowSec) * time.Second
		rule.Cooldown = time.Duration(cooldownSec) * time.Second
		if params.Valid && strings.TrimSpace(params.String) != "" {
			if err := json.Unmarshal([]byte(params.String), &rule.Action.Params); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析规则动作参数失败")
			}
		}
		rule.LastEvaluatedAt = fromMillis(lastEvaluated)
		rule.LastTriggeredAt = fromMillis(lastFired)
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历规则失败")
	}
	return out, nil
}

// MarkEvaluated 实现 rules.Store。
func (r *RuleRepository) MarkEvaluated(ctx context.Context, ruleID string, at time.Time) error {
	return r.touch(ctx, `UPDATE automation_rules SET last_evaluated_at = ? WHERE id = ?`, ruleID, at)
}

// MarkTriggered 实现 rules.Store。
func (r *RuleRepository) MarkTriggered(ctx context.Context, ruleID string, at time.Time) error {
	return r.touch(ctx, `UPDATE automation_rules SET last_triggered_at = ? WHERE id = ?`, ruleID, at)
}

func (r *RuleRepository) touch(ctx context.Context, stmt, ruleID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, stmt, at.UnixMilli(), ruleID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新规则状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return xerrors.New(xerrors.CodeNotFound, "rule not found", xerrors.WithMetadata("rule_id", ruleID))
	}
	return nil
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

var _ rules.Store = (*RuleRepository)(nil)
