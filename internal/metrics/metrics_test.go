package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/wanderplan/internal/events"
)

func TestObserveTurnLifecycle(t *testing.T) {
	m := New()

	m.Observe(events.Event{Kind: events.KindTurnStart})
	if got := testutil.ToFloat64(m.ActiveTurns); got != 1 {
		t.Errorf("active turns = %v, want 1", got)
	}
	m.Observe(events.Event{Kind: events.KindLLMResponse, Data: map[string]any{
		"model": "gpt-4o", "tokens_in": 120, "tokens_out": 30, "elapsed_ms": int64(800),
	}})
	m.Observe(events.Event{Kind: events.KindToolDone, Data: map[string]any{
		"tool": "add_hotel", "ok": true, "duration_ms": int64(3),
	}})
	m.Observe(events.Event{Kind: events.KindToolDone, Data: map[string]any{
		"tool": "search_flights", "ok": false, "duration_ms": int64(900),
	}})
	m.Observe(events.Event{Kind: events.KindTurnComplete, Data: map[string]any{
		"state": "idle", "steps": 2, "elapsed_ms": int64(1500),
	}})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"active turns", testutil.ToFloat64(m.ActiveTurns), 0},
		{"idle turns", testutil.ToFloat64(m.TurnsTotal.WithLabelValues("idle")), 1},
		{"model calls", testutil.ToFloat64(m.ModelCallsTotal.WithLabelValues("gpt-4o")), 1},
		{"input tokens", testutil.ToFloat64(m.TokensTotal.WithLabelValues("gpt-4o", "input")), 120},
		{"output tokens", testutil.ToFloat64(m.TokensTotal.WithLabelValues("gpt-4o", "output")), 30},
		{"tool ok", testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("add_hotel", "ok")), 1},
		{"tool error", testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("search_flights", "error")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestObserveMissingLabels(t *testing.T) {
	m := New()
	m.Observe(events.Event{Kind: events.KindTurnComplete})
	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("unknown")); got != 1 {
		t.Errorf("unknown-state turns = %v", got)
	}
}

func TestRunFromBus(t *testing.T) {
	m := New()
	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	bus.Publish(events.Event{Kind: events.KindTripShared})
	for testutil.ToFloat64(m.TripsSharedTotal) != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := testutil.ToFloat64(m.TripsSharedTotal); got != 1 {
		t.Errorf("shared = %v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.Observe(events.Event{Kind: events.KindTripUpdated})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "wanderplan_trip_updates_total 1") {
		t.Errorf("exposition missing trip updates:\n%.500s", body)
	}
}
