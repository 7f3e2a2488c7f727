// Package worker tracks connected browser workers and the profiles they
// serve. Workers live only as long as their connection.
package worker

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/browser"
	"github.com/VenkatGGG/testswarm/internal/events"
	"github.com/VenkatGGG/testswarm/internal/metrics"
)

type Mode string

const (
	ModeUnit   Mode = "unit"
	ModeManual Mode = "manual"
)

// UnknownProfile files workers whose browser matches no configured profile.
const UnknownProfile = "unknown"

var ErrWorkerNotFound = errors.New("worker not found")

type Worker struct {
	ID          string    `json:"id"`
	UserAgent   string    `json:"user_agent"`
	Family      string    `json:"family"`
	Version     int       `json:"version"`
	Mode        Mode      `json:"mode"`
	Ready       bool      `json:"ready"`
	Profiles    []string  `json:"profiles"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Dispatchable reports whether the worker matched a configured profile.
func (w Worker) Dispatchable() bool {
	return len(w.Profiles) > 0
}

type RegisterInput struct {
	ID        string
	UserAgent string
	Mode      string
}

func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeUnit:
		return ModeUnit, nil
	case ModeManual:
		return ModeManual, nil
	default:
		return "", errors.New("invalid worker mode")
	}
}

type Registry struct {
	mu        sync.RWMutex
	workers   map[string]Worker
	claiming  map[string]struct{}
	onReap    []func(ctx context.Context, id string)
	profiles  *browser.Registry
	publisher events.Publisher
	metrics   *metrics.Collectors
	logger    *zap.Logger
	now       func() time.Time
}

func NewRegistry(profiles *browser.Registry, publisher events.Publisher, m *metrics.Collectors, logger *zap.Logger) *Registry {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		workers:   make(map[string]Worker),
		claiming:  make(map[string]struct{}),
		profiles:  profiles,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Register(ctx context.Context, input RegisterInput) (Worker, error) {
	mode, err := ParseMode(input.Mode)
	if err != nil {
		return Worker{}, err
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = "worker_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	family, version := browser.ParseUserAgent(input.UserAgent)
	var profileIDs []string
	if family != "" && r.profiles != nil {
		for _, profile := range r.profiles.Match(family, version) {
			profileIDs = append(profileIDs, profile.ID)
		}
	}

	now := r.now()
	registered := Worker{
		ID:          id,
		UserAgent:   strings.TrimSpace(input.UserAgent),
		Family:      family,
		Version:     version,
		Mode:        mode,
		Profiles:    profileIDs,
		ConnectedAt: now,
		LastSeen:    now,
	}

	r.mu.Lock()
	r.workers[id] = registered
	delete(r.claiming, id)
	counts := r.countsLocked()
	r.mu.Unlock()

	r.metrics.SetWorkers(counts)
	r.logger.Info("worker registered",
		zap.String("worker_id", id),
		zap.String("family", family),
		zap.Int("version", version),
		zap.String("mode", string(mode)),
		zap.Strings("profiles", profileIDs),
	)
	r.publish(ctx, events.New(events.BrowsersChange, "", "", registered))
	return registered, nil
}

// SetReady is a no-op for unknown workers.
func (r *Registry) SetReady(ctx context.Context, id string, ready bool) {
	r.mu.Lock()
	existing, ok := r.workers[id]
	if ok {
		existing.Ready = ready
		existing.LastSeen = r.now()
		r.workers[id] = existing
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.publish(ctx, events.New(events.ClientChange, "", "", existing))
}

// Each worker has a single claim slot. Whoever holds it, a proactive offer
// or the worker's own fetch, is the only one claiming work for that worker
// until EndClaim.
//
// Reserve takes the claim slot of a ready worker for an offer. It fails
// when the worker is busy or a claim for it is already in flight.
func (r *Registry) Reserve(ctx context.Context, id string) bool {
	r.mu.Lock()
	existing, ok := r.workers[id]
	_, inFlight := r.claiming[id]
	reserved := ok && existing.Ready && !inFlight
	if reserved {
		existing.Ready = false
		r.workers[id] = existing
		r.claiming[id] = struct{}{}
	}
	r.mu.Unlock()

	if reserved {
		r.publish(ctx, events.New(events.ClientChange, "", "", existing))
	}
	return reserved
}

// BeginClaim takes the claim slot for a worker asking for work itself. It
// reports false while an offer for the worker is in flight.
func (r *Registry) BeginClaim(id string) (Worker, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.workers[id]
	if !ok {
		return Worker{}, false, ErrWorkerNotFound
	}
	if _, inFlight := r.claiming[id]; inFlight {
		return existing, false, nil
	}
	existing.Ready = false
	r.workers[id] = existing
	r.claiming[id] = struct{}{}
	return existing, true, nil
}

// EndClaim releases the claim slot. ready marks the worker as waiting for
// offers.
func (r *Registry) EndClaim(ctx context.Context, id string, ready bool) {
	r.mu.Lock()
	delete(r.claiming, id)
	r.mu.Unlock()
	r.SetReady(ctx, id, ready)
}

func (r *Registry) Unregister(ctx context.Context, id string) {
	r.mu.Lock()
	existing, ok := r.workers[id]
	delete(r.workers, id)
	delete(r.claiming, id)
	counts := r.countsLocked()
	r.mu.Unlock()

	if !ok {
		return
	}
	r.metrics.SetWorkers(counts)
	r.logger.Info("worker unregistered", zap.String("worker_id", id))
	r.publish(ctx, events.New(events.BrowsersChange, "", "", existing))
}

// Touch records connection activity. It reports false for unknown workers.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.workers[id]
	if !ok {
		return false
	}
	existing.LastSeen = r.now()
	r.workers[id] = existing
	return true
}

func (r *Registry) Get(id string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found, ok := r.workers[id]
	if !ok {
		return Worker{}, ErrWorkerNotFound
	}
	return found, nil
}

func (r *Registry) List() []Worker {
	r.mu.RLock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Ready returns ready workers attached to at least one of profileIDs.
func (r *Registry) Ready(profileIDs []string) []Worker {
	wanted := make(map[string]struct{}, len(profileIDs))
	for _, id := range profileIDs {
		wanted[id] = struct{}{}
	}

	var out []Worker
	for _, w := range r.List() {
		if !w.Ready {
			continue
		}
		for _, profile := range w.Profiles {
			if _, ok := wanted[profile]; ok {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

// Snapshot groups workers by profile id; unmatched workers are listed under
// UnknownProfile.
func (r *Registry) Snapshot() map[string][]Worker {
	out := make(map[string][]Worker)
	if r.profiles != nil {
		for _, profile := range r.profiles.List() {
			out[profile.ID] = []Worker{}
		}
	}
	for _, w := range r.List() {
		if !w.Dispatchable() {
			out[UnknownProfile] = append(out[UnknownProfile], w)
			continue
		}
		for _, profile := range w.Profiles {
			out[profile] = append(out[profile], w)
		}
	}
	return out
}

// OnReap registers fn to run for every worker Reap removes.
func (r *Registry) OnReap(fn func(ctx context.Context, id string)) {
	r.mu.Lock()
	r.onReap = append(r.onReap, fn)
	r.mu.Unlock()
}

// Reap unregisters workers that have not been seen within timeout.
func (r *Registry) Reap(ctx context.Context, timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	cutoff := r.now().Add(-timeout)

	r.mu.RLock()
	var stale []string
	for id, w := range r.workers {
		if w.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	hooks := slices.Clone(r.onReap)
	r.mu.RUnlock()

	sort.Strings(stale)
	for _, id := range stale {
		r.logger.Warn("reaping silent worker", zap.String("worker_id", id), zap.Duration("timeout", timeout))
		r.Unregister(ctx, id)
		for _, hook := range hooks {
			hook(ctx, id)
		}
	}
	return stale
}

// Run reaps silent workers every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 || timeout <= 0 {
		r.logger.Info("worker reaper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx, timeout)
		}
	}
}

func (r *Registry) countsLocked() map[string]int {
	counts := make(map[string]int)
	for _, w := range r.workers {
		if !w.Dispatchable() {
			counts[UnknownProfile]++
			continue
		}
		for _, profile := range w.Profiles {
			counts[profile]++
		}
	}
	return counts
}

func (r *Registry) publish(ctx context.Context, ev events.Event) {
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("publish event failed", zap.String("event", string(ev.Name)), zap.Error(err))
	}
}
