package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetkeep/fleetkeep/internal/config"
)

// History bounds for per-record latency samples: appending past the cap
// trims the history to the most recent trim-count samples.
const (
	historyCap  = 1000
	historyTrim = 900
)

// TTL bounds applied when policies lengthen or shorten the default.
const (
	minPolicyTTL = 30 * time.Second
	maxPolicyTTL = 4 * time.Hour
)

// Policy thresholds. The shape of the rules is fixed; the numbers are the
// tuning surface.
const (
	lengthenHitRate  = 0.9
	lengthenPerfGain = 0.5
	shortenHitRate   = 0.3
	promoteHitRate   = 0.8
	promoteVariance  = 0.5
	demoteHitRate    = 0.4
	demoteVariance   = 1.5
	hotKeyHitRate    = 0.95
	hotKeyPerfGain   = 0.6
)

// sizeEMAAlpha weights the newest value-size observation.
const sizeEMAAlpha = 0.3

// accessSample is one observed cache access, queued off the hot path.
type accessSample struct {
	key       string
	hit       bool
	latencyUs float64
	size      int
	at        time.Time
}

// usageRecord accumulates rolling statistics for one key.
type usageRecord struct {
	key           string
	accessCount   int64
	missCount     int64
	hitLatencies  []float64 // microseconds
	missLatencies []float64
	lastHit       time.Time
	lastMiss      time.Time
	lastSeen      time.Time
	avgValueSize  float64
	hourly        [24]int64

	// patternScore is the memoized hourly-variance score, recomputed on
	// read when dirty.
	patternScore float64
	scoreDirty   bool

	elem *list.Element // position in the tracker's recency list
}

func (r *usageRecord) hitRate() float64 {
	if r.accessCount == 0 {
		return 0
	}
	return 1 - float64(r.missCount)/float64(r.accessCount)
}

// score returns the hourly-pattern variance score, memoizing it until the
// next recorded access marks it dirty.
func (r *usageRecord) score() float64 {
	if r.scoreDirty {
		r.patternScore = hourlyVariance(r.hourly)
		r.scoreDirty = false
	}
	return r.patternScore
}

// OptimizedPolicy is a per-key or per-prefix override of TTL and cache
// granularity, recomputed on a schedule.
type OptimizedPolicy struct {
	TTL       time.Duration `json:"ttl"`
	Level     Level         `json:"level"`
	Samples   int64         `json:"samples"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// OptimizerMetrics counts optimizer activity.
type OptimizerMetrics struct {
	Samples        int64
	Dropped        int64
	Recomputes     int64
	Persists       int64
	PersistErrors  int64
	CleanupRemoved int64
}

// Optimizer observes per-key cache outcomes, aggregates them into bounded
// usage records, and periodically derives TTL and granularity policies that
// callers consult through OptimalTTL and OptimalLevel.
//
// One background goroutine drains the sample queue and wakes on a short
// tick; persist, recompute and cleanup passes run when their own intervals
// elapse. A failing pass is logged and never stops the loop.
type Optimizer struct {
	cfg        config.OptimizerConfig
	defaultTTL time.Duration
	keys       *KeyBuilder
	log        *logrus.Logger

	mu      sync.Mutex
	records map[string]*usageRecord
	order   *list.List // recency of record updates, front = newest

	policyMu       sync.RWMutex
	prefixPolicies map[string]OptimizedPolicy
	keyPolicies    map[string]OptimizedPolicy

	samples chan accessSample
	metrics OptimizerMetrics

	lastPersist   time.Time
	lastRecompute time.Time
	lastCleanup   time.Time

	now func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewOptimizer creates an optimizer. defaultTTL anchors policy adjustments.
func NewOptimizer(cfg config.OptimizerConfig, defaultTTL time.Duration, keys *KeyBuilder, log *logrus.Logger) *Optimizer {
	if keys == nil {
		keys = NewKeyBuilder("")
	}
	return &Optimizer{
		cfg:            cfg,
		defaultTTL:     defaultTTL,
		keys:           keys,
		log:            log,
		records:        make(map[string]*usageRecord),
		order:          list.New(),
		prefixPolicies: make(map[string]OptimizedPolicy),
		keyPolicies:    make(map[string]OptimizedPolicy),
		samples:        make(chan accessSample, 4096),
		now:            time.Now,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// RecordAccess queues one access outcome. It never blocks the caller: when
// the queue is full the sample is dropped and counted.
func (o *Optimizer) RecordAccess(key string, hit bool, latency time.Duration, valueSize int) {
	s := accessSample{
		key:       key,
		hit:       hit,
		latencyUs: float64(latency.Microseconds()),
		size:      valueSize,
		at:        o.now(),
	}
	select {
	case o.samples <- s:
		atomic.AddInt64(&o.metrics.Samples, 1)
	default:
		atomic.AddInt64(&o.metrics.Dropped, 1)
	}
}

// OptimalTTL returns the advised TTL for key. Per-key overrides win over
// prefix policies.
func (o *Optimizer) OptimalTTL(key string) (time.Duration, bool) {
	o.policyMu.RLock()
	defer o.policyMu.RUnlock()

	if p, ok := o.keyPolicies[key]; ok {
		return p.TTL, true
	}
	if p, ok := o.prefixPolicies[o.keys.Prefix(key)]; ok {
		return p.TTL, true
	}
	return 0, false
}

// OptimalLevel returns the advised cache granularity for key.
func (o *Optimizer) OptimalLevel(key string) (Level, bool) {
	o.policyMu.RLock()
	defer o.policyMu.RUnlock()

	if p, ok := o.keyPolicies[key]; ok {
		return p.Level, true
	}
	if p, ok := o.prefixPolicies[o.keys.Prefix(key)]; ok {
		return p.Level, true
	}
	return LevelNormal, false
}

// Start loads the persisted snapshot and launches the background loop.
// The loop exits when ctx is cancelled or Stop is called.
func (o *Optimizer) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		if err := o.loadSnapshot(); err != nil {
			o.log.WithError(err).Warn("Could not load optimizer snapshot, starting cold")
		}
		now := o.now()
		o.lastPersist, o.lastRecompute, o.lastCleanup = now, now, now
		go o.loop(ctx)
	})
}

// Stop halts the loop after a final drain and persist.
func (o *Optimizer) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	<-o.done
}

// Metrics returns a snapshot of the optimizer counters.
func (o *Optimizer) Metrics() OptimizerMetrics {
	return OptimizerMetrics{
		Samples:        atomic.LoadInt64(&o.metrics.Samples),
		Dropped:        atomic.LoadInt64(&o.metrics.Dropped),
		Recomputes:     atomic.LoadInt64(&o.metrics.Recomputes),
		Persists:       atomic.LoadInt64(&o.metrics.Persists),
		PersistErrors:  atomic.LoadInt64(&o.metrics.PersistErrors),
		CleanupRemoved: atomic.LoadInt64(&o.metrics.CleanupRemoved),
	}
}

func (o *Optimizer) loop(ctx context.Context) {
	defer close(o.done)

	tick := o.cfg.Tick
	if tick <= 0 {
		tick = 10 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case <-o.stop:
			o.shutdown()
			return
		case s := <-o.samples:
			o.ingest(s)
		case <-ticker.C:
			o.runDue()
		}
	}
}

// runDue triggers whichever scheduled passes have come due. Each pass is
// isolated: a failure is logged and the others still run.
func (o *Optimizer) runDue() {
	now := o.now()

	if now.Sub(o.lastPersist) >= o.cfg.PersistInterval {
		o.lastPersist = now
		if err := o.persist(); err != nil {
			atomic.AddInt64(&o.metrics.PersistErrors, 1)
			o.log.WithError(err).Error("Persisting cache statistics failed")
		}
	}
	if now.Sub(o.lastRecompute) >= o.cfg.RecomputeInterval {
		o.lastRecompute = now
		o.recomputePolicies()
	}
	if now.Sub(o.lastCleanup) >= o.cfg.CleanupInterval {
		o.lastCleanup = now
		o.cleanupStale()
	}
}

func (o *Optimizer) shutdown() {
	for {
		select {
		case s := <-o.samples:
			o.ingest(s)
		default:
			if err := o.persist(); err != nil {
				o.log.WithError(err).Warn("Final statistics persist failed")
			}
			return
		}
	}
}

// ingest applies one sample to the stats map. The map is guarded by one
// coarse lock; hot-path callers never take it because samples arrive
// through the queue.
func (o *Optimizer) ingest(s accessSample) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.records[s.key]
	if !ok {
		r = o.admitLocked(s.key)
	}

	r.accessCount++
	r.lastSeen = s.at
	r.hourly[s.at.Hour()]++
	r.scoreDirty = true

	if s.hit {
		r.lastHit = s.at
		r.hitLatencies = appendBounded(r.hitLatencies, s.latencyUs)
		if s.size > 0 {
			if r.avgValueSize == 0 {
				r.avgValueSize = float64(s.size)
			} else {
				r.avgValueSize = sizeEMAAlpha*float64(s.size) + (1-sizeEMAAlpha)*r.avgValueSize
			}
		}
	} else {
		r.missCount++
		r.lastMiss = s.at
		r.missLatencies = appendBounded(r.missLatencies, s.latencyUs)
	}

	o.order.MoveToFront(r.elem)
}

// admitLocked creates a record, evicting the least recently updated one
// when the tracker is at capacity. The stats map is bounded independently
// of the data cache.
func (o *Optimizer) admitLocked(key string) *usageRecord {
	if o.cfg.MaxTrackedKeys > 0 && len(o.records) >= o.cfg.MaxTrackedKeys {
		if oldest := o.order.Back(); oldest != nil {
			victim := oldest.Value.(*usageRecord)
			o.order.Remove(oldest)
			delete(o.records, victim.key)
		}
	}

	r := &usageRecord{key: key, scoreDirty: true}
	r.elem = o.order.PushFront(r)
	o.records[key] = r
	return r
}

// prefixAggregate pools the records of one prefix for policy derivation.
type prefixAggregate struct {
	accessCount int64
	missCount   int64
	hitLatSum   float64
	hitLatN     int
	missLatSum  float64
	missLatN    int
	hourly      [24]int64
}

func (a *prefixAggregate) hitRate() float64 {
	if a.accessCount == 0 {
		return 0
	}
	return 1 - float64(a.missCount)/float64(a.accessCount)
}

func (a *prefixAggregate) perfGain() float64 {
	if a.hitLatN == 0 || a.missLatN == 0 {
		return 0
	}
	hitAvg := a.hitLatSum / float64(a.hitLatN)
	missAvg := a.missLatSum / float64(a.missLatN)
	if missAvg <= 0 {
		return 0
	}
	return (missAvg - hitAvg) / missAvg
}

// recomputePolicies derives prefix policies and hot-key overrides from the
// current statistics. Aggregation happens over a snapshot taken under the
// stats lock; derivation and publication happen outside it.
func (o *Optimizer) recomputePolicies() {
	atomic.AddInt64(&o.metrics.Recomputes, 1)

	type keyStat struct {
		key         string
		accessCount int64
		hitRate     float64
		perfGain    float64
	}

	aggregates := make(map[string]*prefixAggregate)
	keyStats := make([]keyStat, 0, 64)

	o.mu.Lock()
	for key, r := range o.records {
		prefix := o.keys.Prefix(key)
		agg, ok := aggregates[prefix]
		if !ok {
			agg = &prefixAggregate{}
			aggregates[prefix] = agg
		}
		agg.accessCount += r.accessCount
		agg.missCount += r.missCount
		for _, v := range r.hitLatencies {
			agg.hitLatSum += v
		}
		agg.hitLatN += len(r.hitLatencies)
		for _, v := range r.missLatencies {
			agg.missLatSum += v
		}
		agg.missLatN += len(r.missLatencies)
		for h, n := range r.hourly {
			agg.hourly[h] += n
		}

		single := prefixAggregate{
			accessCount: r.accessCount,
			missCount:   r.missCount,
			hitLatN:     len(r.hitLatencies),
			missLatN:    len(r.missLatencies),
		}
		for _, v := range r.hitLatencies {
			single.hitLatSum += v
		}
		for _, v := range r.missLatencies {
			single.missLatSum += v
		}
		keyStats = append(keyStats, keyStat{
			key:         key,
			accessCount: r.accessCount,
			hitRate:     r.hitRate(),
			perfGain:    single.perfGain(),
		})
	}
	o.mu.Unlock()

	prefixPolicies := make(map[string]OptimizedPolicy, len(aggregates))
	now := o.now()

	for prefix, agg := range aggregates {
		// Policies are only trusted once enough samples back them.
		if agg.accessCount < int64(o.cfg.MinDataPoints) {
			continue
		}

		hitRate := agg.hitRate()
		perfGain := agg.perfGain()
		variance := hourlyVariance(agg.hourly)

		ttl := o.defaultTTL
		switch {
		case hitRate > lengthenHitRate && perfGain > lengthenPerfGain:
			ttl = clampTTL(ttl * 2)
		case hitRate < shortenHitRate:
			ttl = clampTTL(ttl / 2)
		}

		level := LevelNormal
		switch {
		case variance > demoteVariance || hitRate < demoteHitRate:
			level = LevelCoarse
		case variance < promoteVariance && hitRate > promoteHitRate:
			level = LevelFine
		}

		prefixPolicies[prefix] = OptimizedPolicy{
			TTL:       ttl,
			Level:     level,
			Samples:   agg.accessCount,
			UpdatedAt: now,
		}
	}

	// Hot-key overrides: the top accessed keys with exceptional hit rate
	// and gain get a bespoke policy that outranks their prefix.
	sort.Slice(keyStats, func(i, j int) bool {
		return keyStats[i].accessCount > keyStats[j].accessCount
	})
	topN := o.cfg.TopKeyCount
	if topN <= 0 {
		topN = 20
	}
	keyPolicies := make(map[string]OptimizedPolicy)
	for i := 0; i < len(keyStats) && i < topN; i++ {
		ks := keyStats[i]
		if ks.accessCount < int64(o.cfg.MinDataPoints) {
			continue
		}
		if ks.hitRate > hotKeyHitRate && ks.perfGain > hotKeyPerfGain {
			keyPolicies[ks.key] = OptimizedPolicy{
				TTL:       clampTTL(o.defaultTTL * 2),
				Level:     LevelFine,
				Samples:   ks.accessCount,
				UpdatedAt: now,
			}
		}
	}

	o.policyMu.Lock()
	o.prefixPolicies = prefixPolicies
	o.keyPolicies = keyPolicies
	o.policyMu.Unlock()

	o.log.WithFields(logrus.Fields{
		"prefix_policies": len(prefixPolicies),
		"key_policies":    len(keyPolicies),
	}).Debug("Cache policies recomputed")
}

// cleanupStale drops records idle for more than a week, or idle for a day
// with almost no traffic.
func (o *Optimizer) cleanupStale() {
	now := o.now()

	o.mu.Lock()
	removed := 0
	for key, r := range o.records {
		idle := now.Sub(r.lastSeen)
		if idle > 7*24*time.Hour || (idle > 24*time.Hour && r.accessCount < 5) {
			o.order.Remove(r.elem)
			delete(o.records, key)
			removed++
		}
	}
	o.mu.Unlock()

	if removed > 0 {
		atomic.AddInt64(&o.metrics.CleanupRemoved, int64(removed))
		o.log.WithField("removed", removed).Debug("Stale cache statistics removed")
	}
}

// snapshotRecord is the persisted form of a usage record. Unknown fields in
// an on-disk snapshot are ignored on load; missing ones default to zero.
type snapshotRecord struct {
	AccessHistory []float64 `json:"access_history"`
	MissHistory   []float64 `json:"miss_history"`
	LastHitAt     time.Time `json:"last_hit_at"`
	LastMissAt    time.Time `json:"last_miss_at"`
	AccessCount   int64     `json:"access_count"`
	MissCount     int64     `json:"miss_count"`
	PatternScore  float64   `json:"pattern_score"`
	AvgValueSize  float64   `json:"avg_value_size"`
	Hourly        [24]int64 `json:"hourly_access"`
}

// persist writes the statistics snapshot atomically: temp file in the same
// directory, then rename. A crash mid-write never corrupts the previous
// snapshot.
func (o *Optimizer) persist() error {
	if o.cfg.SnapshotPath == "" {
		return nil
	}

	o.mu.Lock()
	snapshot := make(map[string]snapshotRecord, len(o.records))
	for key, r := range o.records {
		snapshot[key] = snapshotRecord{
			AccessHistory: append([]float64(nil), r.hitLatencies...),
			MissHistory:   append([]float64(nil), r.missLatencies...),
			LastHitAt:     r.lastHit,
			LastMissAt:    r.lastMiss,
			AccessCount:   r.accessCount,
			MissCount:     r.missCount,
			PatternScore:  r.score(),
			AvgValueSize:  r.avgValueSize,
			Hourly:        r.hourly,
		}
	}
	o.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(o.cfg.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cache_stats-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, o.cfg.SnapshotPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	atomic.AddInt64(&o.metrics.Persists, 1)
	return nil
}

// loadSnapshot restores statistics from disk. A missing file is not an
// error; a corrupt one is reported and skipped.
func (o *Optimizer) loadSnapshot() error {
	if o.cfg.SnapshotPath == "" {
		return nil
	}

	data, err := os.ReadFile(o.cfg.SnapshotPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot map[string]snapshotRecord
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for key, s := range snapshot {
		if o.cfg.MaxTrackedKeys > 0 && len(o.records) >= o.cfg.MaxTrackedKeys {
			break
		}
		r := o.admitLocked(key)
		r.hitLatencies = boundHistory(s.AccessHistory)
		r.missLatencies = boundHistory(s.MissHistory)
		r.lastHit = s.LastHitAt
		r.lastMiss = s.LastMissAt
		r.lastSeen = laterOf(s.LastHitAt, s.LastMissAt)
		r.accessCount = s.AccessCount
		r.missCount = s.MissCount
		r.avgValueSize = s.AvgValueSize
		r.hourly = s.Hourly
		r.patternScore = s.PatternScore
		r.scoreDirty = false
	}
	return nil
}

// appendBounded appends v and trims the history to the most recent
// historyTrim samples once it passes historyCap.
func appendBounded(history []float64, v float64) []float64 {
	history = append(history, v)
	if len(history) > historyCap {
		trimmed := make([]float64, historyTrim)
		copy(trimmed, history[len(history)-historyTrim:])
		return trimmed
	}
	return history
}

func boundHistory(history []float64) []float64 {
	if len(history) > historyCap {
		history = history[len(history)-historyTrim:]
	}
	return append([]float64(nil), history...)
}

// hourlyVariance scores how uneven the hourly access distribution is: the
// coefficient of variation over the 24 hour buckets. 0 means perfectly
// even traffic.
func hourlyVariance(hourly [24]int64) float64 {
	var total int64
	for _, n := range hourly {
		total += n
	}
	if total == 0 {
		return 0
	}
	mean := float64(total) / 24

	var sumSq float64
	for _, n := range hourly {
		d := float64(n) - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq/24) / mean
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minPolicyTTL {
		return minPolicyTTL
	}
	if ttl > maxPolicyTTL {
		return maxPolicyTTL
	}
	return ttl
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
