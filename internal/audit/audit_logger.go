package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/craftmarket/ledger/pkg/logger"
)

// Actor identifies who performed a mutating call.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

func SystemActor() Actor {
	return Actor{Type: "SYSTEM"}
}

func UserActor(id string) Actor {
	return Actor{Type: "USER", ID: id}
}

// Event is one append-only audit record. The audit_events table is the
// authoritative compliance record, independent of the ledger's cached
// balance fields.
type Event struct {
	EventType    string              `json:"event_type"`
	Actor        Actor               `json:"actor"`
	ResourceType string              `json:"resource_type"`
	ResourceID   string              `json:"resource_id"`
	Action       string              `json:"action"`
	Amount       decimal.NullDecimal `json:"amount,omitempty"`
	Currency     string              `json:"currency,omitempty"`
	Details      map[string]string   `json:"details,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
}

// Logger persists audit events and mirrors them to the log stream and, when
// Redis is available, to the external sink queue.
type Logger struct {
	redis *redis.Client
}

func NewLogger(rdb *redis.Client) *Logger {
	return &Logger{redis: rdb}
}

// RecordTx writes the event inside the caller's transaction so the audit row
// commits or rolls back together with the mutation it describes.
func (a *Logger) RecordTx(tx *sql.Tx, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var details []byte
	if ev.Details != nil {
		details, _ = json.Marshal(ev.Details)
	}

	var amount interface{}
	if ev.Amount.Valid {
		amount = ev.Amount.Decimal
	}

	_, err := tx.Exec(`
		INSERT INTO audit_events (event_type, actor_type, actor_id, resource_type, resource_id, action, amount, currency, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.EventType, ev.Actor.Type, ev.Actor.ID, ev.ResourceType, ev.ResourceID,
		ev.Action, amount, ev.Currency, details, ev.Timestamp)
	if err != nil {
		return err
	}

	a.emit(ev)
	return nil
}

// Log mirrors an event that did not reach the database, e.g. a rejected call
// that aborted before any state change.
func (a *Logger) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	a.emit(ev)
}

func (a *Logger) emit(ev Event) {
	data, _ := json.Marshal(ev)
	logger.Info("audit event",
		zap.String("event_type", ev.EventType),
		zap.String("resource_type", ev.ResourceType),
		zap.String("resource_id", ev.ResourceID),
		zap.String("action", ev.Action),
	)

	if a.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.redis.RPush(ctx, "audit_events", data).Err(); err != nil {
		logger.Warn("failed to queue audit event for sink", zap.Error(err))
	}
}
