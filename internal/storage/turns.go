// Package storage defines the persistence contracts shared by the SQL and
// journal backends.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TurnRecord 是一次已完成对话轮次的落库结构。
type TurnRecord struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Message        string          `json:"message"`
	Intent         string          `json:"intent"`
	Decision       string          `json:"decision"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	Reply          string          `json:"reply,omitempty"`
	Iterations     int             `json:"iterations"`
	CreditsCharged decimal.Decimal `json:"credits_charged"`
	Results        json.RawMessage `json:"results,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TurnRepository 持久化已完成的轮次，并为后续轮次提供会话历史。
// ListRecent 按时间倒序返回。
type TurnRepository interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	ListRecent(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error)
}
