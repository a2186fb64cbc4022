package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wow-token-tracker/internal/alerting"
	"wow-token-tracker/internal/auth"
	"wow-token-tracker/internal/config"
	"wow-token-tracker/internal/fetcher"
	"wow-token-tracker/internal/metrics"
	"wow-token-tracker/internal/scheduler"
	"wow-token-tracker/internal/storage"
)

// SampleSink receives every committed sample, e.g. for live dashboard feeds.
// Publish must not block.
type SampleSink interface {
	Publish(sample storage.PriceSample)
}

// Service orchestrates the per-region collection pipeline: fetch the raw
// price, derive metrics from the last committed sample, append, and fan out
// alerts. All job errors stop at this layer.
type Service struct {
	scheduler *scheduler.Scheduler
	fetcher   fetcher.PriceFetcher
	engine    *metrics.Engine
	store     storage.SampleStore
	notifier  alerting.Notifier
	sink      SampleSink
	logger    zerolog.Logger

	regions   []string
	alertsOn  bool
	threshold decimal.Decimal
	cooldown  time.Duration
	channels  []string

	mu        sync.Mutex
	regionMu  map[string]*sync.Mutex
	lastAlert map[string]time.Time
}

// New constructs the collection service.
func New(cfg *config.Config, sched *scheduler.Scheduler, priceFetcher fetcher.PriceFetcher, engine *metrics.Engine, store storage.SampleStore, notifier alerting.Notifier, sink SampleSink, logger zerolog.Logger) *Service {
	threshold := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.ThresholdPct > 0 {
		threshold = decimal.NewFromFloat(cfg.Alerting.ThresholdPct)
	}

	return &Service{
		scheduler: sched,
		fetcher:   priceFetcher,
		engine:    engine,
		store:     store,
		notifier:  notifier,
		sink:      sink,
		logger:    logger.With().Str("component", "service").Logger(),
		regions:   cfg.Blizzard.Regions,
		alertsOn:  cfg.Alerting.Enabled,
		threshold: threshold,
		cooldown:  cfg.Alerting.Cooldown,
		channels:  cfg.Alerting.Channels,
		regionMu:  make(map[string]*sync.Mutex),
		lastAlert: make(map[string]time.Time),
	}
}

// Run begins the collection loop across all configured regions.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.regions, s.Job)
}

// Job 执行单个区域的采集作业，并在作业边界完成错误分类与记录。
func (s *Service) Job(ctx context.Context, region string) error {
	err := s.CollectRegion(ctx, region)
	if err == nil {
		return nil
	}
	s.logJobError(region, err)
	return err
}

// CollectRegion runs one fetch → derive → append cycle. The read-then-append
// is serialized per region so the engine always derives from the most
// recently committed sample; regions never contend with each other.
func (s *Service) CollectRegion(ctx context.Context, region string) error {
	mu := s.regionLock(region)
	mu.Lock()
	defer mu.Unlock()

	raw, err := s.fetcher.FetchPrice(ctx, region)
	if err != nil {
		return err
	}

	prev, err := s.store.LastSample(ctx, region)
	if err != nil {
		return err
	}

	sample := s.engine.ComputeNext(region, raw, prev, time.Now())

	committed, err := s.store.Append(ctx, sample)
	if err != nil {
		return err
	}

	event := s.logger.Info().
		Str("region", region).
		Time("ts", committed.Timestamp).
		Int64("price_gold", committed.PriceGold)
	if committed.EMA != nil {
		event = event.Int64("ema", *committed.EMA)
	}
	if committed.ChangePct != nil {
		event = event.Str("change_pct", committed.ChangePct.StringFixed(2))
	}
	event.Msg("sample recorded")

	if s.sink != nil {
		s.sink.Publish(committed)
	}

	s.maybeAlert(ctx, committed)
	return nil
}

func (s *Service) regionLock(region string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.regionMu[region]
	if !ok {
		mu = &sync.Mutex{}
		s.regionMu[region] = mu
	}
	return mu
}

func (s *Service) logJobError(region string, err error) {
	var authErr *auth.AuthError
	var malformed *fetcher.MalformedResponseError
	var fetchErr *fetcher.FetchError
	var storeErr *storage.StorageError

	switch {
	case errors.As(err, &authErr):
		s.logger.Error().Err(err).Str("region", region).Str("error_kind", "auth").Msg("credential exchange failed, will retry next tick")
	case errors.As(err, &malformed):
		// Distinguished from plain fetch failures: usually an upstream contract change.
		s.logger.Error().Err(err).Str("region", region).Str("error_kind", "malformed_response").Msg("unexpected payload shape from pricing endpoint")
	case errors.As(err, &fetchErr):
		s.logger.Error().Err(err).Str("region", region).Str("error_kind", "fetch").Msg("price fetch failed, will retry next tick")
	case errors.As(err, &storeErr):
		s.logger.Error().Err(err).Str("region", region).Str("error_kind", "storage").Bool("critical", true).Msg("durability layer failure while recording sample")
	default:
		s.logger.Error().Err(err).Str("region", region).Str("error_kind", "internal").Msg("collection job failed")
	}
}

func (s *Service) maybeAlert(ctx context.Context, sample storage.PriceSample) {
	if !s.alertsOn || s.notifier == nil || s.threshold.IsZero() || sample.ChangePct == nil {
		return
	}
	if sample.ChangePct.Abs().LessThanOrEqual(s.threshold) {
		return
	}

	if !s.alertAllowed(sample.Region) {
		s.logger.Debug().Str("region", sample.Region).Msg("alert suppressed by cooldown")
		return
	}

	note := alerting.Notification{
		Region:       sample.Region,
		Timestamp:    sample.Timestamp,
		PriceGold:    sample.PriceGold,
		ChangePct:    *sample.ChangePct,
		ThresholdPct: s.threshold,
		Direction:    classifyChange(*sample.ChangePct),
		Channels:     s.channels,
	}
	if sample.ChangeAbs != nil {
		note.ChangeAbs = *sample.ChangeAbs
	}

	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("region", sample.Region).Msg("failed to dispatch alert")
	}
}

func (s *Service) alertAllowed(region string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cooldown > 0 {
		if last, ok := s.lastAlert[region]; ok && time.Since(last) < s.cooldown {
			return false
		}
	}
	s.lastAlert[region] = time.Now()
	return true
}

func classifyChange(pct decimal.Decimal) string {
	switch pct.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}
