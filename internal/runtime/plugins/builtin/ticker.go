package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/indexflow/internal/runtime/hooks"
	"github.com/drblury/indexflow/internal/runtime/logging"
	"github.com/drblury/indexflow/internal/runtime/notify"
	"github.com/drblury/indexflow/internal/runtime/plugins"
)

const defaultTickerInterval = time.Minute

// Ticker re-publishes notifications for a fixed list of streams on an
// interval once generate has run. Stop ends the loop.
type Ticker struct {
	inst     plugins.Instance
	interval time.Duration
	streams  []string
	model    string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func NewTicker(inst plugins.Instance) (plugins.Plugin, error) {
	if inst.Services.Emitter == nil {
		return nil, fmt.Errorf("%s: an emitter is required", TickerID)
	}
	interval := defaultTickerInterval
	if raw := inst.StringVar("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%s: invalid interval %q", TickerID, raw)
		}
		interval = d
	}
	var streams []string
	switch v := inst.Variables["streams"].(type) {
	case []any:
		for _, s := range v {
			if id, ok := s.(string); ok && id != "" {
				streams = append(streams, id)
			}
		}
	case []string:
		streams = append(streams, v...)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("%s: variable \"streams\" must list at least one stream id", TickerID)
	}
	return &Ticker{inst: inst, interval: interval, streams: streams, model: inst.StringVar("model")}, nil
}

func (t *Ticker) Init(context.Context) (plugins.Declaration, error) {
	return plugins.Declaration{Hooks: map[string]hooks.Handler{hooks.Generate: t.generate}}, nil
}

func (t *Ticker) generate(ctx context.Context, _ hooks.Event) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.cancel != nil {
		return nil, nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.loop(loopCtx)
	return nil, nil
}

func (t *Ticker) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.emitAll(ctx)
		}
	}
}

func (t *Ticker) emitAll(ctx context.Context) {
	for _, id := range t.streams {
		n := notify.Notification{StreamID: id, ModelID: t.model, Slot: t.inst.Slot}
		if err := t.inst.Services.Emitter.Emit(ctx, n); err != nil && t.inst.Services.Logger != nil {
			t.inst.Services.Logger.Error("Ticker failed to emit notification", err, logging.LogFields{"stream_id": id})
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (t *Ticker) Stop() {
	t.mu.Lock()
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}
