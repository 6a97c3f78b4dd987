package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/provider"
	"github.com/cadencehq/cadence/internal/store"
)

// maxVideoPollAttempts bounds how often a single generation is polled
// before it is marked failed.
const maxVideoPollAttempts = 60

// VideoPoller polls pending video generations through the video provider's
// GetStatus. Webhook callbacks normally resolve generations first; the
// poller is the safety net for lost callbacks.
type VideoPoller struct {
	store    *store.Store
	registry *provider.Registry
	interval time.Duration

	completed int64
	failed    int64
}

// NewVideoPoller creates the poller.
func NewVideoPoller(st *store.Store, registry *provider.Registry) *VideoPoller {
	return &VideoPoller{
		store:    st,
		registry: registry,
		interval: time.Minute,
	}
}

// Run loops pollBatch until ctx is cancelled.
func (p *VideoPoller) Run(ctx context.Context) {
	logger.Info("video status poller starting", "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("video status poller stopped")
			return
		case <-ticker.C:
			if err := p.pollBatch(ctx); err != nil {
				logger.Error("video poll batch failed", "error", err.Error())
			}
		}
	}
}

func (p *VideoPoller) pollBatch(ctx context.Context) error {
	prov, ok := p.registry.ByChannel(domain.ChannelVideo)
	if !ok {
		return nil
	}

	pending, err := p.store.Videos.ListPending(ctx, 100)
	if err != nil {
		return err
	}

	for _, v := range pending {
		if v.Attempts >= maxVideoPollAttempts {
			p.store.Videos.UpdateStatus(ctx, v.ID, domain.VideoFailed, "", "", false)
			atomic.AddInt64(&p.failed, 1)
			logger.Warn("video generation abandoned after max polls", "video_id", v.ProviderVideoID)
			continue
		}

		pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		status, err := prov.GetStatus(pollCtx, v.ProviderVideoID)
		cancel()
		if err != nil {
			p.store.Videos.UpdateStatus(ctx, v.ID, v.Status, "", "", true)
			logger.Warn("video status poll failed", "video_id", v.ProviderVideoID, "error", err.Error())
			continue
		}

		if err := p.store.Videos.UpdateStatus(ctx, v.ID, status.Status, status.VideoURL, status.ThumbnailURL, true); err != nil {
			logger.Error("video status update failed", "video_id", v.ProviderVideoID, "error", err.Error())
			continue
		}
		switch status.Status {
		case domain.VideoCompleted:
			atomic.AddInt64(&p.completed, 1)
		case domain.VideoFailed:
			atomic.AddInt64(&p.failed, 1)
		}
	}
	return nil
}

// Stats returns lifetime counters.
func (p *VideoPoller) Stats() map[string]int64 {
	return map[string]int64{
		"completed": atomic.LoadInt64(&p.completed),
		"failed":    atomic.LoadInt64(&p.failed),
	}
}
