// Package monitor runs continuous gap and tamper detection over the ledger.
package monitor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/integrity"
)

// Config holds monitor configuration.
type Config struct {
	Interval time.Duration
	// MaxPerTick bounds how many events one Check reads. Zero scans to the head.
	MaxPerTick uint64
}

// Source is the ledger view the monitor scans.
type Source interface {
	Head() chain.Head
	ScanInto(ctx context.Context, d *integrity.Detector, to uint64) (integrity.Report, error)
}

// StatusSetter is satisfied by the gRPC health server.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// WebhookDispatchFunc is an optional callback for dispatching integrity alerts.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback invoked once per anomaly.
type MetricsRecordFunc func(kind integrity.Kind)

// Status is a snapshot of what the monitor has seen.
type Status struct {
	Healthy      bool                `json:"healthy"`
	LastVerified uint64              `json:"last_verified_sequence"`
	NextSequence uint64              `json:"next_sequence"`
	LastCheck    time.Time           `json:"last_check,omitempty"`
	Anomalies    []integrity.Anomaly `json:"anomalies"`
}

// Monitor scans incrementally from where the previous check stopped. The
// detector keeps its state across checks, so each anomaly is reported once.
// It only reports: nothing is repaired, and once damage is seen the verified
// watermark stays below it.
type Monitor struct {
	src       Source
	detector  *integrity.Detector
	health    StatusSetter
	service   string
	anomalies []integrity.Anomaly
	lastCheck time.Time
	mu        sync.Mutex
	cfg       Config
	onWebhook WebhookDispatchFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Monitor starting from sequence 1.
func New(src Source, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	return &Monitor{
		src:      src,
		detector: integrity.NewDetector(),
		cfg:      cfg,
		logger:   logger,
	}
}

// SetHealth wires a health server; service is reported SERVING until an
// anomaly is found.
func (m *Monitor) SetHealth(h StatusSetter, service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health, m.service = h, service
	status := healthpb.HealthCheckResponse_SERVING
	if len(m.anomalies) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.SetServingStatus(service, status)
}

// SetWebhookDispatch configures the webhook dispatch callback.
func (m *Monitor) SetWebhookDispatch(fn WebhookDispatchFunc) {
	m.onWebhook = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// Start runs Check on every interval until stop is closed.
func (m *Monitor) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
			if _, err := m.Check(ctx); err != nil {
				m.logger.Error("monitor: check", zap.Error(err))
			}
			cancel()
		case <-stop:
			return
		}
	}
}

// Check scans every event committed since the previous check.
func (m *Monitor) Check(ctx context.Context) (integrity.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.detector.Next()
	to := m.src.Head().Sequence
	if m.cfg.MaxPerTick > 0 && to >= next && to-next+1 > m.cfg.MaxPerTick {
		to = next + m.cfg.MaxPerTick - 1
	}
	m.lastCheck = time.Now().UTC()
	if to < next {
		return integrity.Report{Valid: true, FromSequence: next, LastVerified: m.detector.LastVerified()}, nil
	}

	r, err := m.src.ScanInto(ctx, m.detector, to)
	if err != nil {
		return r, err
	}
	for _, a := range r.Anomalies {
		m.raise(ctx, a)
	}
	m.logger.Debug("monitor: checked",
		zap.Uint64("from", next),
		zap.Uint64("to", to),
		zap.Uint64("last_verified", r.LastVerified),
	)
	return r, nil
}

func (m *Monitor) raise(ctx context.Context, a integrity.Anomaly) {
	first := len(m.anomalies) == 0
	m.anomalies = append(m.anomalies, a)

	if m.onMetrics != nil {
		m.onMetrics(a.Kind)
	}
	if first && m.health != nil {
		m.health.SetServingStatus(m.service, healthpb.HealthCheckResponse_NOT_SERVING)
		m.logger.Error("monitor: ledger integrity lost, health set to NOT_SERVING",
			zap.Uint64("sequence", a.Sequence),
		)
	}
	if m.onWebhook != nil {
		m.onWebhook(ctx, "ledger.integrity."+string(a.Kind), alertPayload(a))
	}
}

// Status returns a snapshot of the monitor's state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Healthy:      len(m.anomalies) == 0,
		LastVerified: m.detector.LastVerified(),
		NextSequence: m.detector.Next(),
		LastCheck:    m.lastCheck,
		Anomalies:    append([]integrity.Anomaly{}, m.anomalies...),
	}
}

func alertPayload(a integrity.Anomaly) map[string]string {
	p := map[string]string{
		"kind":     string(a.Kind),
		"sequence": strconv.FormatUint(a.Sequence, 10),
		"message":  a.Message,
	}
	var (
		tampered *integrity.ContentTamperedError
		broken   *integrity.ChainBrokenError
		gap      *integrity.SequenceGapDetectedError
	)
	switch {
	case errors.As(a.Err, &tampered):
		p["stored_hash"] = tampered.StoredHash
		p["recomputed_hash"] = tampered.RecomputedHash
	case errors.As(a.Err, &broken):
		p["expected_prev_hash"] = broken.ExpectedPrev
		p["actual_prev_hash"] = broken.ActualPrev
	case errors.As(a.Err, &gap):
		p["expected_sequence"] = strconv.FormatUint(gap.Expected, 10)
		p["missing_from"] = strconv.FormatUint(gap.MissingFrom, 10)
		p["missing_to"] = strconv.FormatUint(gap.MissingTo, 10)
	}
	return p
}
