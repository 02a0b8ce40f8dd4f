// Package report forwards firing failures to an operator webhook.
//
// The sink subscribes to job.missed and job.errored bus events and posts one
// short JSON message per event. It is strictly best-effort: a rate-limited
// report is dropped, a failed delivery is logged, and neither ever reaches
// the scheduling path.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	rtsup "remindbot/internal/runtime/supervisor"
	logx "remindbot/pkg/logx"
)

type Config struct {
	// WebhookURL receives POSTs of {"content": "..."}. Empty disables
	// posting; events are still consumed so a reload can turn it on.
	WebhookURL string
	// MinInterval is the floor between posts. Events arriving faster are
	// dropped, not queued. Default 2s.
	MinInterval time.Duration
	// Timeout bounds one delivery. Default 8s.
	Timeout time.Duration
}

// Sink consumes job failure events and reports them out of band.
type Sink struct {
	log  logx.Logger
	bus  eventbus.Bus
	http *http.Client

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sup     *rtsup.Supervisor
	unsub   func()

	dropped atomic.Uint64
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	s := &Sink{
		log:  log.With(logx.String("comp", "report")),
		bus:  bus,
		http: &http.Client{Timeout: timeout},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the webhook target and rate floor at runtime.
func (s *Sink) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Sink) applyLocked(cfg Config) {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 2 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
}

// Dropped reports how many events were discarded by the rate floor.
// Operational signal only.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Start is idempotent.
func (s *Sink) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.bus == nil {
		return
	}

	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("pump", func(c context.Context) error {
		return s.pump(c, ch)
	})
}

func (s *Sink) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func (s *Sink) pump(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Sink) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeJobMissed, eventbus.TypeJobErrored:
	default:
		return
	}
	data, ok := ev.Data.(eventbus.JobEvent)
	if !ok {
		return
	}

	s.mu.Lock()
	url := s.cfg.WebhookURL
	lim := s.limiter
	s.mu.Unlock()
	if url == "" {
		return
	}

	if !lim.Allow() {
		s.dropped.Add(1)
		s.log.Debug("report dropped, rate limited",
			logx.String("type", ev.Type),
			logx.String("workspace_id", data.WorkspaceID),
			logx.String("job_id", data.JobID))
		return
	}

	if err := s.post(ctx, url, line(ev.Type, data)); err != nil {
		s.log.Warn("report delivery failed",
			logx.String("type", ev.Type),
			logx.String("job_id", data.JobID),
			logx.Err(err))
	}
}

func line(typ string, ev eventbus.JobEvent) string {
	switch typ {
	case eventbus.TypeJobMissed:
		return fmt.Sprintf("⚠️ job missed: workspace=%s job=%s scheduled=%s",
			ev.WorkspaceID, ev.JobID, ev.ScheduledAt.UTC().Format(time.RFC3339))
	case eventbus.TypeJobErrored:
		return fmt.Sprintf("🚨 job errored: workspace=%s job=%s: %s",
			ev.WorkspaceID, ev.JobID, ev.Err)
	}
	return ""
}

func (s *Sink) post(ctx context.Context, url, text string) error {
	body, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook returned http %d", resp.StatusCode)
	}
	return nil
}
