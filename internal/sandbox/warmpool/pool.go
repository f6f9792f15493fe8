// Package warmpool keeps a bounded set of pre-warmed sandboxes per
// (repository, branch, imageTag) key so that a claim can hand out a
// running sandbox without paying the cold-start cost.
package warmpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pairdev/pairdev/internal/common/config"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events"
	"github.com/pairdev/pairdev/internal/events/bus"
	"github.com/pairdev/pairdev/internal/sandbox"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

const (
	// typingCooldown bounds how often a typing signal may trigger a
	// prewarm for the same key.
	typingCooldown = 10 * time.Second

	sweepInterval = time.Minute
)

// ClaimResult is the outcome of a pool claim. Sandbox is nil on a miss.
type ClaimResult struct {
	Sandbox *v1.Sandbox
	Reason  string // "hit" or "miss"
}

// Stats describes the pool population across all keys.
type Stats struct {
	Available int `json:"available"`
	Warming   int `json:"warming"`
	Total     int `json:"total"`
}

type entry struct {
	sandbox  *v1.Sandbox
	warmedAt time.Time
}

// Pool manages warm sandboxes per key. For every key,
// available + warming never exceeds maxPerKey.
type Pool struct {
	provider sandbox.Provider
	cfg      config.WarmPoolConfig
	bus      bus.EventBus
	log      *logger.Logger

	mu         sync.Mutex
	available  map[sandbox.Key][]entry
	warming    map[sandbox.Key]int
	lastTyping map[sandbox.Key]time.Time

	group     *errgroup.Group
	groupCtx  context.Context
	cancel    context.CancelFunc
	sweepDone chan struct{}

	now func() time.Time
}

// New creates a pool over the given provider. Call Start to begin
// background replenishment and expiry sweeps.
func New(provider sandbox.Provider, cfg config.WarmPoolConfig, eventBus bus.EventBus, log *logger.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(cfg.MaxPerKey * 2)

	return &Pool{
		provider:   provider,
		cfg:        cfg,
		bus:        eventBus,
		log:        log.WithComponent("warm-pool"),
		available:  make(map[sandbox.Key][]entry),
		warming:    make(map[sandbox.Key]int),
		lastTyping: make(map[sandbox.Key]time.Time),
		group:      group,
		groupCtx:   groupCtx,
		cancel:     cancel,
		sweepDone:  make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the expiry sweeper and pre-warms any keys listed in
// the manifest.
func (p *Pool) Start(ctx context.Context) error {
	go p.sweepLoop()

	if p.cfg.ManifestPath == "" {
		return nil
	}
	manifest, err := LoadManifest(p.cfg.ManifestPath)
	if err != nil {
		return err
	}
	for _, m := range manifest.Keys {
		key := sandbox.Key{Repository: m.Repository, Branch: m.Branch, ImageTag: m.ImageTag}
		p.log.Info("Pre-warming manifest key",
			zap.String("repository", key.Repository),
			zap.Int("count", m.Count))
		p.replenish(key, m.Count)
	}
	return nil
}

// Claim lifts one warm sandbox out of the pool. A miss triggers
// asynchronous replenishment toward the high-water mark.
func (p *Pool) Claim(ctx context.Context, key sandbox.Key, projectID string) (*ClaimResult, error) {
	p.mu.Lock()
	queue := p.available[key]
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		if p.expired(head) {
			p.terminateAsync(head.sandbox.ID)
			continue
		}
		p.available[key] = queue
		p.mu.Unlock()

		sb := head.sandbox
		sb.ProjectID = projectID
		p.publish(ctx, events.WarmPoolClaimed, map[string]interface{}{
			"sandbox_id": sb.ID,
			"repository": key.Repository,
		})
		out := *sb
		return &ClaimResult{Sandbox: &out, Reason: "hit"}, nil
	}
	p.available[key] = queue
	p.mu.Unlock()

	p.publish(ctx, events.WarmPoolMiss, map[string]interface{}{
		"repository": key.Repository,
		"branch":     key.Branch,
	})
	p.replenish(key, p.cfg.HighWaterMark)
	return &ClaimResult{Reason: "miss"}, nil
}

// Release returns a still-running sandbox to the pool. If the key is
// at capacity the sandbox is terminated instead.
func (p *Pool) Release(ctx context.Context, sb *v1.Sandbox) error {
	if sb.Status != v1.SandboxRunning {
		return p.provider.Terminate(ctx, sb.ID)
	}
	key := sandbox.Key{Repository: sb.Repository, Branch: sb.Branch, ImageTag: sb.ImageTag}

	p.mu.Lock()
	if len(p.available[key])+p.warming[key] >= p.cfg.MaxPerKey {
		p.mu.Unlock()
		return p.provider.Terminate(ctx, sb.ID)
	}
	kept := *sb
	kept.ProjectID = ""
	p.available[key] = append(p.available[key], entry{sandbox: &kept, warmedAt: p.now()})
	p.mu.Unlock()

	p.publish(ctx, events.WarmPoolReleased, map[string]interface{}{
		"sandbox_id": sb.ID,
		"repository": key.Repository,
	})
	return nil
}

// OnTyping signals that a user is composing a prompt for the key.
// Replenishes toward the high-water mark, rate-limited per key.
func (p *Pool) OnTyping(key sandbox.Key) {
	p.mu.Lock()
	if p.now().Sub(p.lastTyping[key]) < typingCooldown {
		p.mu.Unlock()
		return
	}
	p.lastTyping[key] = p.now()
	p.mu.Unlock()

	p.replenish(key, p.cfg.HighWaterMark)
}

// StatsForKey reports the population of one key.
func (p *Pool) StatsForKey(key sandbox.Key) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Available: len(p.available[key]), Warming: p.warming[key]}
	s.Total = s.Available + s.Warming
	return s
}

// Stats reports the population across all keys.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, queue := range p.available {
		s.Available += len(queue)
	}
	for _, n := range p.warming {
		s.Warming += n
	}
	s.Total = s.Available + s.Warming
	return s
}

// replenish launches warm-start jobs until available+warming reaches
// target, never exceeding maxPerKey.
func (p *Pool) replenish(key sandbox.Key, target int) {
	if target > p.cfg.MaxPerKey {
		target = p.cfg.MaxPerKey
	}
	p.mu.Lock()
	launch := target - len(p.available[key]) - p.warming[key]
	if launch < 0 {
		launch = 0
	}
	p.warming[key] += launch
	p.mu.Unlock()

	for i := 0; i < launch; i++ {
		p.group.Go(func() error {
			p.warmOne(key)
			return nil
		})
	}
}

func (p *Pool) warmOne(key sandbox.Key) {
	ctx, cancel := context.WithTimeout(p.groupCtx, time.Duration(p.cfg.WarmTimeout)*time.Second)
	defer cancel()

	sb, err := p.provider.Create(ctx, sandbox.CreateInput{
		Repository: key.Repository,
		Branch:     key.Branch,
		ImageTag:   key.ImageTag,
	})

	p.mu.Lock()
	p.warming[key]--
	if err != nil {
		p.mu.Unlock()
		p.log.Warn("Warm-start failed",
			zap.String("repository", key.Repository),
			zap.Error(err))
		return
	}
	if len(p.available[key])+p.warming[key] >= p.cfg.MaxPerKey {
		p.mu.Unlock()
		p.terminateAsync(sb.ID)
		return
	}
	p.available[key] = append(p.available[key], entry{sandbox: sb, warmedAt: p.now()})
	p.mu.Unlock()

	p.publish(context.Background(), events.WarmPoolReplenished, map[string]interface{}{
		"sandbox_id": sb.ID,
		"repository": key.Repository,
	})
}

func (p *Pool) expired(e entry) bool {
	ttl := time.Duration(p.cfg.TTLMinutes) * time.Minute
	return ttl > 0 && p.now().Sub(e.warmedAt) > ttl
}

// terminateAsync disposes of a sandbox without holding up the caller.
// Callers hold p.mu.
func (p *Pool) terminateAsync(id string) {
	go func() {
		if err := p.provider.Terminate(context.Background(), id); err != nil {
			p.log.Warn("Failed to terminate surplus sandbox",
				zap.String("sandbox_id", id), zap.Error(err))
		}
	}()
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepDone:
			return
		case <-ticker.C:
			p.sweepExpired()
		}
	}
}

func (p *Pool) sweepExpired() {
	var dropped []string
	p.mu.Lock()
	for key, queue := range p.available {
		kept := queue[:0]
		for _, e := range queue {
			if p.expired(e) {
				dropped = append(dropped, e.sandbox.ID)
			} else {
				kept = append(kept, e)
			}
		}
		p.available[key] = kept
	}
	p.mu.Unlock()

	for _, id := range dropped {
		p.publish(context.Background(), events.WarmPoolExpired, map[string]interface{}{
			"sandbox_id": id,
		})
		if err := p.provider.Terminate(context.Background(), id); err != nil {
			p.log.Warn("Failed to terminate expired warm sandbox",
				zap.String("sandbox_id", id), zap.Error(err))
		}
	}
}

func (p *Pool) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	event := bus.NewSessionEvent(ctx, eventType, events.SourceWarmPool, "", data)
	if err := p.bus.Publish(ctx, eventType, event); err != nil {
		p.log.Warn("Failed to publish pool event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

// Stop cancels in-flight warm jobs, terminates pooled sandboxes and
// waits for workers to exit.
func (p *Pool) Stop() {
	close(p.sweepDone)
	p.cancel()
	_ = p.group.Wait()

	p.mu.Lock()
	var ids []string
	for key, queue := range p.available {
		for _, e := range queue {
			ids = append(ids, e.sandbox.ID)
		}
		delete(p.available, key)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.provider.Terminate(context.Background(), id); err != nil {
			p.log.Warn("Failed to terminate pooled sandbox on shutdown",
				zap.String("sandbox_id", id), zap.Error(err))
		}
	}
}
