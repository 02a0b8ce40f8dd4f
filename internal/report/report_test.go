package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

var scheduledAt = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func captureServer(t *testing.T) (*httptest.Server, <-chan string) {
	t.Helper()
	bodies := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad webhook body: %v", err)
		}
		bodies <- payload.Content
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, bodies
}

func startSink(t *testing.T, cfg Config, bus eventbus.Bus) *Sink {
	t.Helper()
	s := New(cfg, bus, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func waitBody(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case body := <-ch:
		return body
	case <-time.After(2 * time.Second):
		t.Fatal("no webhook delivery")
		return ""
	}
}

func expectNoBody(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case body := <-ch:
		t.Fatalf("unexpected delivery: %q", body)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForwardsMissedAndErrored(t *testing.T) {
	t.Parallel()
	srv, bodies := captureServer(t)
	bus := eventbus.New()
	startSink(t, Config{WebhookURL: srv.URL, MinInterval: time.Nanosecond}, bus)

	eventbus.PublishJob(bus, eventbus.TypeJobMissed, "ws1", "job-1", scheduledAt, nil)
	body := waitBody(t, bodies)
	for _, want := range []string{"missed", "ws1", "job-1", "2026-04-01T09:00:00Z"} {
		if !strings.Contains(body, want) {
			t.Errorf("missed report %q lacks %q", body, want)
		}
	}

	eventbus.PublishJob(bus, eventbus.TypeJobErrored, "ws1", "job-2", scheduledAt, errors.New("send blew up"))
	body = waitBody(t, bodies)
	for _, want := range []string{"errored", "job-2", "send blew up"} {
		if !strings.Contains(body, want) {
			t.Errorf("errored report %q lacks %q", body, want)
		}
	}
}

func TestIgnoresUnrelatedEvents(t *testing.T) {
	t.Parallel()
	srv, bodies := captureServer(t)
	bus := eventbus.New()
	startSink(t, Config{WebhookURL: srv.URL, MinInterval: time.Nanosecond}, bus)

	eventbus.PublishJob(bus, eventbus.TypeJobFired, "ws1", "job-1", scheduledAt, nil)
	eventbus.PublishJob(bus, eventbus.TypeJobAdded, "ws1", "job-2", time.Time{}, nil)
	expectNoBody(t, bodies)
}

func TestDropsWhenRateLimited(t *testing.T) {
	t.Parallel()
	srv, bodies := captureServer(t)
	bus := eventbus.New()
	s := startSink(t, Config{WebhookURL: srv.URL, MinInterval: time.Hour}, bus)

	eventbus.PublishJob(bus, eventbus.TypeJobMissed, "ws1", "job-1", scheduledAt, nil)
	waitBody(t, bodies)

	eventbus.PublishJob(bus, eventbus.TypeJobMissed, "ws1", "job-2", scheduledAt, nil)
	expectNoBody(t, bodies)

	deadline := time.Now().Add(2 * time.Second)
	for s.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("drop was never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeliveryFailureKeepsSinkAlive(t *testing.T) {
	t.Parallel()
	var failed atomic.Bool
	bodies := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failed.CompareAndSwap(false, true) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var payload struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		bodies <- payload.Content
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	bus := eventbus.New()
	startSink(t, Config{WebhookURL: srv.URL, MinInterval: time.Nanosecond}, bus)

	eventbus.PublishJob(bus, eventbus.TypeJobErrored, "ws1", "job-1", scheduledAt, errors.New("first"))
	// The 500 is swallowed; the next event still goes out.
	deadline := time.Now().Add(2 * time.Second)
	for !failed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("first delivery never attempted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	eventbus.PublishJob(bus, eventbus.TypeJobErrored, "ws1", "job-2", scheduledAt, errors.New("second"))
	if body := waitBody(t, bodies); !strings.Contains(body, "job-2") {
		t.Errorf("second report = %q", body)
	}
}

func TestApplySwitchesWebhook(t *testing.T) {
	t.Parallel()
	srvA, bodiesA := captureServer(t)
	srvB, bodiesB := captureServer(t)
	bus := eventbus.New()
	s := startSink(t, Config{WebhookURL: srvA.URL, MinInterval: time.Nanosecond}, bus)

	eventbus.PublishJob(bus, eventbus.TypeJobMissed, "ws1", "job-1", scheduledAt, nil)
	waitBody(t, bodiesA)

	s.Apply(Config{WebhookURL: srvB.URL, MinInterval: time.Nanosecond})
	eventbus.PublishJob(bus, eventbus.TypeJobMissed, "ws1", "job-2", scheduledAt, nil)
	if body := waitBody(t, bodiesB); !strings.Contains(body, "job-2") {
		t.Errorf("report after Apply = %q", body)
	}
	expectNoBody(t, bodiesA)
}
