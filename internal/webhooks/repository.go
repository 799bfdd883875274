package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeliveryLog records delivery attempts.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, d *WebhookDelivery) error
	ListDeliveries(ctx context.Context, limit int) ([]*WebhookDelivery, error)
}

func stamp(d *WebhookDelivery) {
	d.ID = uuid.New()
	d.DeliveredAt = time.Now().UTC()
}

// Repository persists delivery attempts to the webhook_deliveries table.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new webhook Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// RecordDelivery records a webhook delivery attempt.
func (r *Repository) RecordDelivery(ctx context.Context, d *WebhookDelivery) error {
	stamp(d)
	query := `INSERT INTO webhook_deliveries (id, event_id, event_type, url, status_code, attempt, success, error_message, delivered_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Exec(ctx, query,
		d.ID, d.EventID, d.EventType, d.URL,
		d.StatusCode, d.Attempt, d.Success, d.ErrorMessage, d.DeliveredAt,
	)
	return err
}

// ListDeliveries returns the most recent attempts, newest first.
func (r *Repository) ListDeliveries(ctx context.Context, limit int) ([]*WebhookDelivery, error) {
	query := `SELECT id, event_id, event_type, url, status_code, attempt, success, error_message, delivered_at
	          FROM webhook_deliveries ORDER BY delivered_at DESC LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.EventID, &d.EventType, &d.URL,
			&d.StatusCode, &d.Attempt, &d.Success, &d.ErrorMessage, &d.DeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// MemoryLog keeps delivery attempts in memory, bounded to the most recent max.
type MemoryLog struct {
	mu  sync.Mutex
	max int
	log []*WebhookDelivery
}

// NewMemoryLog returns a log holding at most max attempts.
func NewMemoryLog(max int) *MemoryLog {
	if max <= 0 {
		max = 1000
	}
	return &MemoryLog{max: max}
}

// RecordDelivery implements DeliveryLog.
func (m *MemoryLog) RecordDelivery(_ context.Context, d *WebhookDelivery) error {
	stamp(d)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, d)
	if len(m.log) > m.max {
		m.log = m.log[len(m.log)-m.max:]
	}
	return nil
}

// ListDeliveries implements DeliveryLog.
func (m *MemoryLog) ListDeliveries(_ context.Context, limit int) ([]*WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*WebhookDelivery, 0, len(m.log))
	for i := len(m.log) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *m.log[i]
		out = append(out, &cp)
	}
	return out, nil
}
