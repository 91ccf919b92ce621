package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"sandboxengine/lang"
)

// PoolConfig bounds each per-language pool.
type PoolConfig struct {
	MinIdle int // warm floor per language
	MaxSize int // idle + leased ceiling per language

	AcquireTimeout  time.Duration
	PollInterval    time.Duration
	ReleaseTimeout  time.Duration
	ReclaimInterval time.Duration

	Workdir     string
	User        string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinIdle:         1,
		MaxSize:         5,
		AcquireTimeout:  10 * time.Second,
		PollInterval:    100 * time.Millisecond,
		ReleaseTimeout:  10 * time.Second,
		ReclaimInterval: 30 * time.Second,
		Workdir:         "/sandbox",
		User:            "1000:1000",
		MemoryBytes:     256 * 1024 * 1024,
		NanoCPUs:        500_000_000,
		PidsLimit:       64,
	}
}

// Instance is a handle to one running execution environment.
type Instance struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"createdAt"`
}

// PoolStats is a point-in-time view of one language's pool.
type PoolStats struct {
	Available int `json:"available"`
	Leased    int `json:"leased"`
	Waiting   int `json:"waiting"`
	MinIdle   int `json:"minIdle"`
	MaxSize   int `json:"maxSize"`
}

type languagePool struct {
	profile lang.Profile
	idle    []*Instance
	leased  map[string]*Instance
	pending int // creations and releases in flight
	waiting int // acquirers polling for a slot
}

func (lp *languagePool) total() int {
	return len(lp.idle) + len(lp.leased) + lp.pending
}

func (lp *languagePool) holds(id string) bool {
	if lp.leased[id] != nil {
		return true
	}
	for _, inst := range lp.idle {
		if inst.ID == id {
			return true
		}
	}
	return false
}

// PoolRegistry owns a warm pool of instances per language. It is created once
// and shared by every component that leases instances.
type PoolRegistry struct {
	runtime Runtime
	cfg     PoolConfig
	logger  *zap.Logger

	mu    sync.Mutex
	pools map[string]*languagePool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPoolRegistry(rt Runtime, languages *lang.Registry, cfg PoolConfig, logger *zap.Logger) *PoolRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.MinIdle > cfg.MaxSize {
		cfg.MinIdle = cfg.MaxSize
	}
	p := &PoolRegistry{
		runtime: rt,
		cfg:     cfg,
		logger:  logger,
		pools:   make(map[string]*languagePool),
		stop:    make(chan struct{}),
	}
	for _, id := range languages.IDs() {
		profile, _ := languages.Get(id)
		p.pools[id] = &languagePool{profile: profile, leased: make(map[string]*Instance)}
	}
	return p
}

// Initialize pulls missing images and pre-creates the warm floor for every
// language. A failing language is logged and skipped.
func (p *PoolRegistry) Initialize(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range p.languages() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.warm(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (p *PoolRegistry) warm(ctx context.Context, language string) {
	p.mu.Lock()
	lp := p.pools[language]
	profile := lp.profile
	p.mu.Unlock()

	if err := p.runtime.EnsureImage(ctx, profile.Image); err != nil {
		p.logger.Error("Runtime image unavailable, skipping warm-up",
			zap.String("language", language), zap.String("image", profile.Image), zap.Error(err))
		return
	}

	for {
		p.mu.Lock()
		if len(lp.idle)+lp.pending >= p.cfg.MinIdle || lp.total() >= p.cfg.MaxSize {
			p.mu.Unlock()
			return
		}
		lp.pending++
		p.mu.Unlock()

		inst, err := p.create(ctx, profile)

		p.mu.Lock()
		lp.pending--
		if err == nil {
			lp.idle = append(lp.idle, inst)
		}
		p.mu.Unlock()
		if err != nil {
			p.logger.Error("Failed to pre-create instance",
				zap.String("language", language), zap.Error(err))
			return
		}
	}
}

// Acquire leases an instance for language. It pops a warm instance, creates one
// while under MaxSize, or polls until AcquireTimeout and fails with ErrPoolTimeout.
func (p *PoolRegistry) Acquire(ctx context.Context, language string) (*Instance, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	waiting := false
	unwait := func(lp *languagePool) {
		if waiting {
			lp.waiting--
			waiting = false
		}
	}

	for {
		p.mu.Lock()
		lp, ok := p.pools[language]
		if !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", lang.ErrUnsupportedLanguage, language)
		}

		if n := len(lp.idle); n > 0 {
			inst := lp.idle[n-1]
			lp.idle = lp.idle[:n-1]
			lp.leased[inst.ID] = inst
			unwait(lp)
			p.mu.Unlock()
			return inst, nil
		}

		if lp.total() < p.cfg.MaxSize {
			lp.pending++
			unwait(lp)
			profile := lp.profile
			p.mu.Unlock()

			inst, err := p.create(ctx, profile)

			p.mu.Lock()
			lp.pending--
			if err == nil {
				lp.leased[inst.ID] = inst
			}
			p.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrRuntimeCreation, err)
			}
			return inst, nil
		}

		if !waiting {
			lp.waiting++
			waiting = true
		}
		p.mu.Unlock()

		if !time.Now().Before(deadline) {
			p.mu.Lock()
			unwait(lp)
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s pool exhausted after %s", ErrPoolTimeout, language, p.cfg.AcquireTimeout)
		}

		select {
		case <-ctx.Done():
			p.mu.Lock()
			unwait(lp)
			p.mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Release wipes inst and returns it to its pool. It is destroyed instead when
// the wipe fails, or when the pool holds its warm floor and keeping it would
// exceed MaxSize. ReclaimIdle trims surplus idle instances back to the floor.
// Releasing an instance that is not leased is a no-op.
func (p *PoolRegistry) Release(ctx context.Context, inst *Instance) {
	if inst == nil {
		return
	}

	p.mu.Lock()
	lp, ok := p.pools[inst.Language]
	if !ok || lp.leased[inst.ID] == nil {
		p.mu.Unlock()
		p.logger.Warn("Release of instance that is not leased",
			zap.String("language", inst.Language), zap.String("container", shortID(inst.ID)))
		return
	}
	delete(lp.leased, inst.ID)
	lp.pending++
	p.mu.Unlock()

	clean := p.wipe(ctx, inst)

	p.mu.Lock()
	lp.pending--
	// destroy only at the floor with the pool over its ceiling
	over := len(lp.idle) >= p.cfg.MinIdle && lp.total()+1 > p.cfg.MaxSize
	keep := clean && !over
	if keep {
		lp.idle = append(lp.idle, inst)
	}
	p.mu.Unlock()

	if !keep {
		p.destroy(ctx, inst)
	}
}

// wipe kills leftover processes and empties the working directory. It reports
// whether the instance is known to be clean.
func (p *PoolRegistry) wipe(ctx context.Context, inst *Instance) bool {
	wctx, cancel := detached(ctx, p.cfg.ReleaseTimeout)
	defer cancel()

	if err := p.runtime.Exec(wctx, inst.ID, KillUserSpec(p.cfg.User)); err != nil {
		p.logger.Warn("Failed to kill leftover processes",
			zap.String("container", shortID(inst.ID)), zap.Error(err))
	}
	if err := p.runtime.Exec(wctx, inst.ID, WipeSpec(p.cfg.Workdir)); err != nil {
		p.logger.Warn("Failed to wipe working directory, instance will be destroyed",
			zap.String("container", shortID(inst.ID)), zap.Error(err))
		return false
	}
	return true
}

// Adopt registers an existing, running instance as leased. It is used to
// reattach sessions that survived a restart. An id this pool already holds,
// idle or leased, is refused with ErrInstanceInUse. ErrInstanceUnavailable
// means the container is gone; ErrRuntimeUnavailable and ErrPoolTimeout are
// transient.
func (p *PoolRegistry) Adopt(ctx context.Context, language, id string) (*Instance, error) {
	p.mu.Lock()
	lp, ok := p.pools[language]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", lang.ErrUnsupportedLanguage, language)
	}
	held := lp.holds(id)
	p.mu.Unlock()
	if held {
		return nil, fmt.Errorf("%w: %s", ErrInstanceInUse, shortID(id))
	}

	running, err := p.runtime.IsRunning(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	if !running {
		return nil, fmt.Errorf("%w: %s", ErrInstanceUnavailable, shortID(id))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if lp.holds(id) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceInUse, shortID(id))
	}
	if lp.total() >= p.cfg.MaxSize {
		return nil, fmt.Errorf("%w: %s pool is full", ErrPoolTimeout, language)
	}
	inst := &Instance{ID: id, Language: language, CreatedAt: time.Now()}
	lp.leased[id] = inst
	return inst, nil
}

// ReclaimIdle destroys warm instances above the floor and any idle instance
// whose container has stopped.
func (p *PoolRegistry) ReclaimIdle(ctx context.Context) {
	var excess []*Instance
	var idle []*Instance

	p.mu.Lock()
	for _, lp := range p.pools {
		if n := len(lp.idle) - p.cfg.MinIdle; n > 0 {
			// oldest first
			excess = append(excess, lp.idle[:n]...)
			lp.idle = append([]*Instance(nil), lp.idle[n:]...)
		}
		idle = append(idle, lp.idle...)
	}
	p.mu.Unlock()

	for _, inst := range excess {
		p.destroy(ctx, inst)
	}
	if len(excess) > 0 {
		p.logger.Info("Reclaimed idle instances", zap.Int("count", len(excess)))
	}

	for _, inst := range idle {
		running, err := p.runtime.IsRunning(ctx, inst.ID)
		if err != nil || running {
			continue
		}
		if p.removeIdle(inst) {
			p.logger.Warn("Idle instance is not running, removing",
				zap.String("language", inst.Language), zap.String("container", shortID(inst.ID)))
			p.destroy(ctx, inst)
		}
	}
}

func (p *PoolRegistry) removeIdle(inst *Instance) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	lp := p.pools[inst.Language]
	for i, in := range lp.idle {
		if in.ID == inst.ID {
			lp.idle = append(lp.idle[:i], lp.idle[i+1:]...)
			return true
		}
	}
	return false
}

// CleanupOrphans removes containers of any known runtime image that this pool
// does not track, returning how many were removed.
func (p *PoolRegistry) CleanupOrphans(ctx context.Context) int {
	ids, err := p.runtime.List(ctx, p.images())
	if err != nil {
		p.logger.Error("Failed to list containers for orphan cleanup", zap.Error(err))
		return 0
	}

	removed := 0
	for _, id := range ids {
		if p.tracked(id) {
			continue
		}
		if err := p.runtime.Remove(ctx, id); err != nil {
			p.logger.Error("Failed to remove orphaned container", zap.String("container", shortID(id)), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		p.logger.Info("Removed orphaned containers", zap.Int("count", removed))
	}
	return removed
}

func (p *PoolRegistry) tracked(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, lp := range p.pools {
		if lp.holds(id) {
			return true
		}
	}
	return false
}

// Stats reports availability per language.
func (p *PoolRegistry) Stats() map[string]PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make(map[string]PoolStats, len(p.pools))
	for id, lp := range p.pools {
		stats[id] = PoolStats{
			Available: len(lp.idle),
			Leased:    len(lp.leased),
			Waiting:   lp.waiting,
			MinIdle:   p.cfg.MinIdle,
			MaxSize:   p.cfg.MaxSize,
		}
	}
	return stats
}

// Start runs ReclaimIdle every ReclaimInterval until Stop.
func (p *PoolRegistry) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.ReclaimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReclaimInterval)
				p.ReclaimIdle(ctx)
				cancel()
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop ends the reclaim loop and destroys idle instances. Leased instances are
// left running so their sessions can be restored by the next process.
func (p *PoolRegistry) Stop(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	var idle []*Instance
	for _, lp := range p.pools {
		idle = append(idle, lp.idle...)
		lp.idle = nil
	}
	p.mu.Unlock()

	for _, inst := range idle {
		p.destroy(ctx, inst)
	}
	p.logger.Info("Pool stopped", zap.Int("destroyed", len(idle)))
}

func (p *PoolRegistry) create(ctx context.Context, profile lang.Profile) (*Instance, error) {
	id, err := p.runtime.Create(ctx, InstanceSpec{
		Language:    profile.ID,
		Image:       profile.Image,
		Workdir:     p.cfg.Workdir,
		User:        p.cfg.User,
		MemoryBytes: p.cfg.MemoryBytes,
		NanoCPUs:    p.cfg.NanoCPUs,
		PidsLimit:   p.cfg.PidsLimit,
	})
	if err != nil {
		p.logger.Error("Failed to create instance", zap.String("language", profile.ID), zap.Error(err))
		return nil, err
	}
	p.logger.Debug("Created instance", zap.String("language", profile.ID), zap.String("container", shortID(id)))
	return &Instance{ID: id, Language: profile.ID, CreatedAt: time.Now()}, nil
}

func (p *PoolRegistry) destroy(ctx context.Context, inst *Instance) {
	dctx, cancel := detached(ctx, p.cfg.ReleaseTimeout)
	defer cancel()
	if err := p.runtime.Remove(dctx, inst.ID); err != nil {
		p.logger.Error("Failed to destroy instance",
			zap.String("language", inst.Language), zap.String("container", shortID(inst.ID)), zap.Error(err))
	}
}

func (p *PoolRegistry) languages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.pools))
	for id := range p.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *PoolRegistry) images() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool)
	var images []string
	for _, lp := range p.pools {
		if !seen[lp.profile.Image] {
			seen[lp.profile.Image] = true
			images = append(images, lp.profile.Image)
		}
	}
	sort.Strings(images)
	return images
}

// IsPoolError reports whether err came from leasing rather than from executing.
func IsPoolError(err error) bool {
	return errors.Is(err, ErrPoolTimeout) || errors.Is(err, ErrRuntimeCreation) ||
		errors.Is(err, ErrRuntimeUnavailable)
}
