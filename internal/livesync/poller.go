package livesync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// FetchFunc performs one full fetch of a room's messages.
type FetchFunc func(ctx context.Context) ([]Message, error)

// Poller re-fetches a room while its live channel is down. Polling starts
// only after the channel has stayed disconnected for the grace window, and
// stops as soon as it reports connected again.
type Poller struct {
	fetch    FetchFunc
	onBatch  func(ctx context.Context, batch []Message)
	onChange func(polling bool)
	interval time.Duration
	grace    time.Duration
	log      *slog.Logger
	polling  atomic.Bool
}

func NewPoller(fetch FetchFunc, onBatch func(context.Context, []Message), interval, grace time.Duration, log *slog.Logger) *Poller {
	return &Poller{
		fetch:    fetch,
		onBatch:  onBatch,
		onChange: func(bool) {},
		interval: interval,
		grace:    grace,
		log:      log,
	}
}

// OnChange registers a callback invoked whenever polling starts or stops.
func (p *Poller) OnChange(fn func(polling bool)) {
	p.onChange = fn
}

func (p *Poller) Polling() bool {
	return p.polling.Load()
}

// Run follows connectivity transitions until ctx is done or the stream is
// closed. Fetch failures never stop it.
func (p *Poller) Run(ctx context.Context, connectivity <-chan bool) error {
	var (
		grace    *time.Timer
		graceC   <-chan time.Time
		stopPoll context.CancelFunc
		pollDone chan struct{}
	)

	stopGrace := func() {
		if grace != nil {
			grace.Stop()
			grace, graceC = nil, nil
		}
	}
	stopPolling := func() {
		if stopPoll == nil {
			return
		}
		stopPoll()
		<-pollDone
		stopPoll, pollDone = nil, nil
		p.polling.Store(false)
		p.onChange(false)
		p.log.Debug("Polling stopped")
	}
	defer func() {
		stopGrace()
		stopPolling()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case connected, ok := <-connectivity:
			if !ok {
				return nil
			}
			if connected {
				stopGrace()
				stopPolling()
				continue
			}
			if stopPoll == nil && grace == nil {
				grace = time.NewTimer(p.grace)
				graceC = grace.C
			}

		case <-graceC:
			grace, graceC = nil, nil
			var pollCtx context.Context
			pollCtx, stopPoll = context.WithCancel(ctx)
			pollDone = make(chan struct{})
			p.polling.Store(true)
			p.onChange(true)
			p.log.Info("Live channel still down, polling", "interval", p.interval)
			go func(done chan struct{}) {
				defer close(done)
				p.loop(pollCtx)
			}(pollDone)
		}
	}
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	batch, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("Polling fetch failed, retrying on next tick", "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	p.onBatch(ctx, batch)
}
