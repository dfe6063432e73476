// Package registry implements the ClientRegistry (spec.md §4.5): the
// in-memory table of known training clients, their device profiles, and
// their lifetime participation counters.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medhive/flcoordinator/internal/errs"
	"github.com/medhive/flcoordinator/internal/fl"
)

// Registry is the table of registered clients, guarded by a single mutex.
// Per-client contention is low enough that one lock for the whole table is
// sufficient (spec.md §5: "table-level locks only for enumeration
// snapshots" — here every operation is effectively a snapshot operation).
type Registry struct {
	mu                 sync.RWMutex
	clients            map[string]*fl.Client
	stalenessThreshold time.Duration
	log                zerolog.Logger
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithStalenessThreshold overrides the default duration after which a
// client with no recent heartbeat is surfaced as inactive.
func WithStalenessThreshold(d time.Duration) Option {
	return func(r *Registry) { r.stalenessThreshold = d }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clients:            make(map[string]*fl.Client),
		stalenessThreshold: 10 * time.Minute,
		log:                zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts a client. Re-registering an existing client preserves
// roundsParticipated and registeredAt, and resets status to active
// (spec.md §4.5).
func (r *Registry) Register(clientID, modelKind string, profile fl.DeviceProfile, now time.Time) (*fl.Client, error) {
	const op = "ClientRegistry.Register"
	if clientID == "" {
		return nil, errs.E(op, errs.Validation, errValue("clientId is required"))
	}
	if modelKind == "" {
		return nil, errs.E(op, errs.Validation, errValue("modelKind is required"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.clients[clientID]
	if ok {
		existing.ModelKind = modelKind
		existing.DeviceProfile = profile
		existing.LastSeenAt = now
		existing.Status = fl.ClientActive
		r.log.Info().Str("clientId", clientID).Msg("client re-registered")
		return existing, nil
	}

	c := &fl.Client{
		ID:            clientID,
		ModelKind:     modelKind,
		DeviceProfile: profile,
		RegisteredAt:  now,
		LastSeenAt:    now,
		Status:        fl.ClientActive,
	}
	r.clients[clientID] = c
	r.log.Info().Str("clientId", clientID).Str("modelKind", modelKind).Msg("client registered")
	return c, nil
}

// Touch updates a client's lastSeenAt and, if it had gone stale, restores
// its status to active.
func (r *Registry) Touch(clientID string, now time.Time) error {
	const op = "ClientRegistry.Touch"
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return errs.E(op, errs.NotFound, errValue("client not found: "+clientID))
	}
	c.LastSeenAt = now
	if c.Status == fl.ClientInactive {
		c.Status = fl.ClientActive
	}
	return nil
}

// Get returns one client, applying staleness projection.
func (r *Registry) Get(clientID string, now time.Time) (*fl.Client, error) {
	const op = "ClientRegistry.Get"
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, errs.E(op, errs.NotFound, errValue("client not found: "+clientID))
	}
	return r.project(c, now), nil
}

// Filter selects clients by optional modelKind and status.
type Filter struct {
	ModelKind string
	Status    fl.ClientStatus
}

// List returns every client matching filter, sorted by ID for deterministic
// output. Staleness is projected before filtering so a stale client is
// matched against fl.ClientInactive even though it is stored as active.
func (r *Registry) List(filter Filter, now time.Time) []*fl.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*fl.Client, 0, len(r.clients))
	for _, c := range r.clients {
		projected := r.project(c, now)
		if filter.ModelKind != "" && projected.ModelKind != filter.ModelKind {
			continue
		}
		if filter.Status != "" && projected.Status != filter.Status {
			continue
		}
		out = append(out, projected)
	}
	sortClientsByID(out)
	return out
}

// IncrementParticipation bumps roundsParticipated exactly once; callers
// must ensure this is invoked at most once per client per round (spec.md
// §5: "client-level counters updated exactly once per round per
// participant, even under concurrent uploads" — enforced by the
// RoundManager's per-round lock upstream).
func (r *Registry) IncrementParticipation(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[clientID]; ok {
		c.RoundsParticipated++
	}
}

// Ban marks a client banned, excluding it from future selection.
func (r *Registry) Ban(clientID string) error {
	const op = "ClientRegistry.Ban"
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return errs.E(op, errs.NotFound, errValue("client not found: "+clientID))
	}
	c.Status = fl.ClientBanned
	return nil
}

// project returns a copy of c with Status downgraded to inactive when its
// lastSeenAt exceeds the staleness threshold. Banned clients are never
// reclassified.
func (r *Registry) project(c *fl.Client, now time.Time) *fl.Client {
	cp := *c
	if cp.Status == fl.ClientActive && now.Sub(cp.LastSeenAt) > r.stalenessThreshold {
		cp.Status = fl.ClientInactive
	}
	return &cp
}

func sortClientsByID(clients []*fl.Client) {
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
}

type errValue string

func (e errValue) Error() string { return string(e) }
