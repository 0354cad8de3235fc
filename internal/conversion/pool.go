package conversion

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/convrelay/internal/alerting"
	"github.com/shohag/convrelay/internal/config"
	"github.com/shohag/convrelay/internal/storage"
)

const retentionInterval = time.Hour

// PoolConfig drives the background loops around a Queue. A zero
// PollInterval leaves only inline processing running.
type PoolConfig struct {
	BatchSize       int
	InlineBatchSize int
	PollInterval    time.Duration
	StaleTimeout    time.Duration
	SummaryInterval time.Duration
	OrderTTL        time.Duration
}

func PoolConfigFrom(cfg *config.Config) PoolConfig {
	return PoolConfig{
		BatchSize:       cfg.Delivery.BatchSize,
		InlineBatchSize: cfg.Delivery.InlineBatchSize,
		PollInterval:    cfg.Delivery.PollInterval,
		StaleTimeout:    cfg.Delivery.StaleTimeout,
		SummaryInterval: cfg.Alerting.SummaryInterval,
		OrderTTL:        cfg.Retention.OrderTTL,
	}
}

// Pool runs the queue: on a fixed poll interval, and inline whenever
// Trigger is called after an enqueue. Both paths go through ProcessQueue and
// rely on its atomic claim, not on anything here, to avoid double delivery.
type Pool struct {
	queue    *Queue
	orders   storage.OrderStore
	notifier alerting.Notifier
	cfg      PoolConfig
	log      zerolog.Logger

	kick chan struct{}
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewPool(cfg PoolConfig, queue *Queue, orders storage.OrderStore, notifier alerting.Notifier, log zerolog.Logger) *Pool {
	if notifier == nil {
		notifier = alerting.Nop{}
	}
	return &Pool{
		queue:    queue,
		orders:   orders,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With().Str("component", "conversion_pool").Logger(),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Int("batch_size", p.cfg.BatchSize).
		Msg("starting conversion pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.inlineLoop(ctx)
	}()

	if p.cfg.PollInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.pollLoop(ctx)
		}()
	}

	if p.cfg.SummaryInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.every(ctx, p.cfg.SummaryInterval, p.sendSummary)
		}()
	}

	if p.cfg.OrderTTL > 0 && p.orders != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.every(ctx, retentionInterval, p.purgeOrders)
		}()
	}
}

func (p *Pool) Stop() {
	p.once.Do(func() {
		p.log.Info().Msg("stopping conversion pool")
		close(p.stop)
	})
	p.wg.Wait()
	p.log.Info().Msg("conversion pool stopped")
}

// Trigger asks for an inline run without waiting for it. Triggers that
// arrive while one is already pending are coalesced.
func (p *Pool) Trigger() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Pool) inlineLoop(ctx context.Context) {
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-p.kick:
			p.runBatch(ctx, positive(p.cfg.InlineBatchSize, p.cfg.BatchSize), "inline")
		}
	}
}

func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.cfg.StaleTimeout > 0 {
				if _, err := p.queue.RecoverStale(ctx, p.cfg.StaleTimeout); err != nil {
					p.log.Error().Err(err).Msg("failed to recover stale jobs")
				}
			}
			p.runBatch(ctx, p.cfg.BatchSize, "poll")
		}
	}
}

func (p *Pool) runBatch(ctx context.Context, size int, trigger string) {
	res, err := p.queue.ProcessQueue(ctx, size)
	if err != nil {
		p.log.Error().Err(err).Str("trigger", trigger).Msg("conversion batch failed")
	}
	if res.Processed > 0 {
		p.log.Debug().Str("trigger", trigger).Int("processed", res.Processed).Msg("batch done")
	}
}

func (p *Pool) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (p *Pool) sendSummary(ctx context.Context) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to collect queue stats for summary")
		return
	}
	p.notifier.NotifyPeriodicSummary(ctx, stats)
}

func (p *Pool) purgeOrders(ctx context.Context) {
	n, err := p.orders.PurgeOrderRecords(ctx, time.Now().Add(-p.cfg.OrderTTL))
	if err != nil {
		p.log.Error().Err(err).Msg("failed to purge old order records")
		return
	}
	if n > 0 {
		p.log.Info().Int64("records", n).Msg("purged old order records")
	}
}
