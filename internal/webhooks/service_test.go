package webhooks_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/archon72/ledger/internal/webhooks"
)

func TestDispatch_signsAndDelivers(t *testing.T) {
	var (
		mu   sync.Mutex
		got  webhooks.WebhookEvent
		sigs []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		if !webhooks.VerifySignature(body, "s3cret", r.Header.Get(webhooks.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.Unmarshal(body, &got) //nolint:errcheck
		sigs = append(sigs, r.Header.Get(webhooks.SignatureHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	log := webhooks.NewMemoryLog(10)
	svc := webhooks.NewService(webhooks.Config{
		Subscriptions: []webhooks.Subscription{{URL: srv.URL, Secret: "s3cret", Events: []string{webhooks.EventSequenceGap}}},
		RetryDelays:   []time.Duration{},
	}, log, zap.NewNop())

	svc.Dispatch(context.Background(), webhooks.EventSequenceGap, map[string]string{"missing_from": "3"})
	svc.Dispatch(context.Background(), webhooks.EventChainBroken, map[string]string{"sequence": "9"})
	svc.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(sigs) != 1 {
		t.Fatalf("deliveries = %d, want 1 (chain_broken is not subscribed)", len(sigs))
	}
	if got.Type != webhooks.EventSequenceGap || got.Payload["missing_from"] != "3" {
		t.Errorf("event: %+v", got)
	}

	records, err := log.ListDeliveries(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || !records[0].Success || records[0].StatusCode != http.StatusNoContent {
		t.Errorf("records: %+v", records)
	}
}

func TestDispatch_retriesThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var failures atomic.Int32
	svc := webhooks.NewService(webhooks.Config{
		Subscriptions: []webhooks.Subscription{{URL: srv.URL, Secret: "x"}},
		RetryDelays:   []time.Duration{time.Millisecond, time.Millisecond},
	}, webhooks.NewMemoryLog(10), zap.NewNop())
	svc.SetMetricsRecorder(func(success bool) {
		if !success {
			failures.Add(1)
		}
	})

	svc.Dispatch(context.Background(), webhooks.EventContentTampered, nil)
	svc.Wait()

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if failures.Load() != 3 {
		t.Errorf("failures = %d, want 3", failures.Load())
	}
	records, _ := svc.Deliveries(context.Background(), 0)
	if len(records) != 3 || records[0].Attempt != 3 {
		t.Errorf("records: %+v", records)
	}
}

func TestDispatch_outlivesCancelledContext(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	svc := webhooks.NewService(webhooks.Config{
		Subscriptions: []webhooks.Subscription{{URL: srv.URL}},
		RetryDelays:   []time.Duration{},
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Dispatch(ctx, webhooks.EventChainBroken, map[string]string{})
	svc.Wait()

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSubscription_Wants(t *testing.T) {
	all := webhooks.Subscription{}
	if !all.Wants(webhooks.EventChainBroken) {
		t.Error("empty event list should match every type")
	}
	one := webhooks.Subscription{Events: []string{webhooks.EventSequenceGap}}
	if one.Wants(webhooks.EventChainBroken) || !one.Wants(webhooks.EventSequenceGap) {
		t.Error("explicit event list not honoured")
	}
}

func TestMemoryLog_bounded(t *testing.T) {
	log := webhooks.NewMemoryLog(2)
	for i := 1; i <= 3; i++ {
		log.RecordDelivery(context.Background(), &webhooks.WebhookDelivery{Attempt: i}) //nolint:errcheck
	}
	got, _ := log.ListDeliveries(context.Background(), 0)
	if len(got) != 2 || got[0].Attempt != 3 || got[1].Attempt != 2 {
		t.Errorf("log: %+v", got)
	}
}
