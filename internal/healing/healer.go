// Package healing periodically reconciles replicas: every object listed in
// the catalog is located across all nodes and copied to the nodes that are
// reachable but missing it.
package healing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shardvault/shardvault/internal/metadata"
	"github.com/shardvault/shardvault/internal/storage"
	"golang.org/x/time/rate"
)

// DefaultInterval is the time between healing cycles.
const DefaultInterval = 5 * time.Minute

// Replicas is the subset of storage.ReplicaSet the healer uses.
type Replicas interface {
	LocateDetailed(ctx context.Context, key string) ([]storage.ProbeResult, error)
	ReadFrom(ctx context.Context, index int, key string) ([]byte, error)
	WriteTo(ctx context.Context, index int, key string, data []byte, contentType string) error
}

// ObjectLister enumerates the objects to reconcile. Entries that could not
// be read are returned in skipped and recorded as cycle errors.
type ObjectLister interface {
	ListObjects(ctx context.Context) (refs []metadata.ObjectRef, skipped []error, err error)
}

// LocationRecorder is implemented by catalogs that keep a per-object
// location snapshot. The healer updates it after a successful repair.
type LocationRecorder interface {
	RecordLocations(ctx context.Context, objectKey string, locations []metadata.Location) error
}

// State is the lifecycle state of a Healer.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateCycling
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCycling:
		return "cycling"
	default:
		return "stopped"
	}
}

// Config configures a Healer.
type Config struct {
	Replicas        Replicas
	Catalog         ObjectLister
	Logger          zerolog.Logger
	Interval        time.Duration // Default: 5m
	CopiesPerSecond float64       // Copy throttle (0 = unlimited)

	// OnCycleComplete is called after every cycle that was not skipped.
	OnCycleComplete func(CycleSummary)
}

// CycleSummary reports the outcome of one healing cycle.
type CycleSummary struct {
	Started     time.Time     `json:"started"`
	Scanned     int           `json:"scanned"`     // Objects examined
	Healed      int           `json:"healed"`      // Objects that received at least one copy
	Copies      int           `json:"copies"`      // Successful per-node copies
	BytesCopied int64         `json:"bytes_copied"`
	Unreachable int           `json:"unreachable"` // Probes that could not reach a node
	Errors      []string      `json:"errors,omitempty"`
	Duration    time.Duration `json:"duration"`
	Skipped     bool          `json:"skipped,omitempty"`     // Another cycle was in progress
	Interrupted bool          `json:"interrupted,omitempty"` // Stopped before every object was examined
}

func (s *CycleSummary) addError(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Healer runs healing cycles on a fixed interval.
type Healer struct {
	replicas Replicas
	catalog  ObjectLister
	recorder LocationRecorder
	logger   zerolog.Logger
	interval time.Duration
	limiter  *rate.Limiter

	mu      sync.Mutex // guards running, cancel
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cycling atomic.Bool

	cyclesTotal atomic.Uint64
	copiesTotal atomic.Uint64

	lastMu sync.Mutex
	last   CycleSummary

	onCycleComplete func(CycleSummary)
}

// New creates a stopped healer.
func New(cfg Config) (*Healer, error) {
	if cfg.Replicas == nil {
		return nil, fmt.Errorf("healing: replicas are required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("healing: catalog is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	h := &Healer{
		replicas:        cfg.Replicas,
		catalog:         cfg.Catalog,
		logger:          cfg.Logger.With().Str("component", "healer").Logger(),
		interval:        cfg.Interval,
		onCycleComplete: cfg.OnCycleComplete,
	}
	if rec, ok := cfg.Catalog.(LocationRecorder); ok {
		h.recorder = rec
	}
	if cfg.CopiesPerSecond > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.CopiesPerSecond), 1)
	}
	return h, nil
}

// State returns the current lifecycle state.
func (h *Healer) State() State {
	if h.cycling.Load() {
		return StateCycling
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return StateRunning
	}
	return StateStopped
}

// Start runs one cycle immediately and then one every interval.
// Calling Start on a running healer does nothing.
func (h *Healer) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		h.logger.Debug().Msg("Healer already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.running = true

	h.wg.Add(1)
	go h.run(ctx)
	h.logger.Info().Dur("interval", h.interval).Msg("Healer started")
}

// Stop halts the ticker and waits for a cycle in progress to complete.
func (h *Healer) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	h.cancel()
	h.wg.Wait()
	h.running = false
	h.logger.Info().Msg("Healer stopped")
}

// run drives the ticker. Cycles run detached from ctx so Stop lets a pass
// that already started examine every object.
func (h *Healer) run(ctx context.Context) {
	defer h.wg.Done()

	cycleCtx := context.WithoutCancel(ctx)
	h.RunCycle(cycleCtx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.RunCycle(cycleCtx)
		}
	}
}

// Stats holds cumulative healer counters.
type Stats struct {
	CyclesTotal uint64 `json:"cycles_total"`
	CopiesTotal uint64 `json:"copies_total"`
}

// GetStats returns cumulative counters.
func (h *Healer) GetStats() Stats {
	return Stats{
		CyclesTotal: h.cyclesTotal.Load(),
		CopiesTotal: h.copiesTotal.Load(),
	}
}

// LastSummary returns the summary of the most recent completed cycle.
func (h *Healer) LastSummary() CycleSummary {
	h.lastMu.Lock()
	defer h.lastMu.Unlock()
	return h.last
}

// RunCycle performs one healing pass. Cancelling ctx stops the cycle between
// objects; the object being healed is finished first. If another cycle is in
// progress the call returns at once with Skipped set.
func (h *Healer) RunCycle(ctx context.Context) CycleSummary {
	if !h.cycling.CompareAndSwap(false, true) {
		h.logger.Debug().Msg("Healing cycle already in progress, skipping")
		return CycleSummary{Started: time.Now(), Skipped: true}
	}
	defer h.cycling.Store(false)

	summary := CycleSummary{Started: time.Now()}
	if ctx.Err() != nil {
		summary.Interrupted = true
		h.finish(&summary)
		return summary
	}

	refs, skipped, err := h.catalog.ListObjects(ctx)
	if err != nil {
		summary.addError("list objects: %v", err)
		h.finish(&summary)
		return summary
	}
	for _, e := range skipped {
		summary.addError("skipped catalog entry: %v", e)
	}

	objCtx := context.WithoutCancel(ctx)
	for _, ref := range refs {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
		h.healObject(objCtx, ref, &summary)
	}

	h.finish(&summary)
	return summary
}

func (h *Healer) finish(summary *CycleSummary) {
	summary.Duration = time.Since(summary.Started)
	h.cyclesTotal.Add(1)

	h.lastMu.Lock()
	h.last = *summary
	h.lastMu.Unlock()

	event := h.logger.Info()
	if len(summary.Errors) > 0 {
		event = h.logger.Warn().Strs("errors", summary.Errors)
	}
	event.
		Int("scanned", summary.Scanned).
		Int("healed", summary.Healed).
		Int("copies", summary.Copies).
		Str("copied", humanize.Bytes(uint64(summary.BytesCopied))).
		Int("unreachable", summary.Unreachable).
		Bool("interrupted", summary.Interrupted).
		Dur("duration", summary.Duration).
		Msg("Healing cycle completed")

	if h.onCycleComplete != nil {
		h.onCycleComplete(*summary)
	}
}

// healObject copies one object from its first holder to every node that
// answered that it does not have it.
func (h *Healer) healObject(ctx context.Context, ref metadata.ObjectRef, summary *CycleSummary) {
	summary.Scanned++

	results, err := h.replicas.LocateDetailed(ctx, ref.Key)
	if err != nil {
		summary.addError("locate %s: %v", ref.Key, err)
		return
	}

	var targets []int
	var holders []storage.ProbeResult
	for _, res := range results {
		switch {
		case res.Present:
			holders = append(holders, res)
		case res.Absent():
			targets = append(targets, res.NodeIndex)
		default:
			summary.Unreachable++
			h.logger.Debug().
				Str("key", ref.Key).
				Int("node", res.NodeIndex).
				Err(res.Err).
				Msg("Node unreachable, will retry next cycle")
		}
	}

	if len(holders) == len(results) {
		return
	}
	if len(holders) == 0 {
		summary.addError("object %s is not present on any reachable node", ref.Key)
		return
	}
	if len(targets) == 0 {
		return
	}

	data, source, err := h.readSource(ctx, ref.Key, holders)
	if err != nil {
		summary.addError("%v", err)
		return
	}

	copied := make([]int, 0, len(targets))
	for _, target := range targets {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				summary.addError("throttle %s: %v", ref.Key, err)
				break
			}
		}
		if err := h.replicas.WriteTo(ctx, target, ref.Key, data, ref.ContentType); err != nil {
			summary.addError("copy %s to node %d: %v", ref.Key, target, err)
			continue
		}
		copied = append(copied, target)
		summary.Copies++
		summary.BytesCopied += int64(len(data))
		h.copiesTotal.Add(1)
	}

	if len(copied) == 0 {
		return
	}
	summary.Healed++
	h.logger.Info().
		Str("key", ref.Key).
		Int("source", source).
		Ints("targets", copied).
		Str("size", humanize.Bytes(uint64(len(data)))).
		Msg("Healed object")

	h.recordLocations(ctx, ref.Key, results, holders, copied)
}

// readSource reads key from the first holder that serves it, in index order.
func (h *Healer) readSource(ctx context.Context, key string, holders []storage.ProbeResult) ([]byte, int, error) {
	var lastErr error
	vanished := true
	for _, res := range holders {
		data, err := h.replicas.ReadFrom(ctx, res.NodeIndex, key)
		if err == nil {
			return data, res.NodeIndex, nil
		}
		h.logger.Debug().Str("key", key).Int("node", res.NodeIndex).Err(err).Msg("Source read failed, trying next holder")
		if !storage.IsNotFound(err) {
			vanished = false
		}
		lastErr = err
	}
	if vanished {
		return nil, -1, fmt.Errorf("object %s vanished from every holder during healing", key)
	}
	return nil, -1, fmt.Errorf("read %s: no holder could serve it: %w", key, lastErr)
}

func (h *Healer) recordLocations(ctx context.Context, key string, results []storage.ProbeResult, holders []storage.ProbeResult, copied []int) {
	if h.recorder == nil {
		return
	}

	locations := make([]metadata.Location, 0, len(holders)+len(copied))
	for _, res := range holders {
		locations = append(locations, toLocation(res))
	}
	for _, idx := range copied {
		locations = append(locations, toLocation(results[idx]))
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].NodeIndex < locations[j].NodeIndex })

	err := h.recorder.RecordLocations(ctx, key, locations)
	switch {
	case err == nil:
	case errors.Is(err, metadata.ErrConflict), errors.Is(err, metadata.ErrNotFound):
		h.logger.Debug().Str("key", key).Err(err).Msg("File record changed during healing, locations not recorded")
	default:
		h.logger.Warn().Str("key", key).Err(err).Msg("Failed to record object locations")
	}
}

func toLocation(res storage.ProbeResult) metadata.Location {
	return metadata.Location{
		NodeIndex: res.NodeIndex,
		Endpoint:  res.Node.Endpoint,
		Port:      res.Node.Port,
	}
}
