// Package round implements the RoundManager: the round lifecycle state
// machine that selects clients, drives created/inProgress/aggregating/
// completed/failed transitions, handles per-round timeouts, and runs the
// finalization job that invokes the Aggregator.
package round

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medhive/flcoordinator/internal/aggregator"
	"github.com/medhive/flcoordinator/internal/errs"
	"github.com/medhive/flcoordinator/internal/fl"
	"github.com/medhive/flcoordinator/internal/modelstore"
	"github.com/medhive/flcoordinator/internal/registry"
)

// Crypto is the subset of CryptoKit the RoundManager depends on directly:
// content hashing for signature verification, and the server-keyed
// per-client MAC key (SPEC_FULL.md §9 resolves client uploads as
// server-keyed rather than client-registered asymmetric keys).
type Crypto interface {
	Hash(data []byte) string
	DeriveClientKey(clientID string) ([]byte, error)
}

// MetricSink is the fire-and-forget event emitter the finalization job
// reports to. Its errors never propagate back to a round (spec.md §4.7).
type MetricSink interface {
	Emit(event MetricEvent)
}

// MetricEvent is one round outcome reported to the sink.
type MetricEvent struct {
	RoundID string
	ModelID string
	Kind    string // "completed" or "failed"
	Metrics map[string]any
}

type noopSink struct{}

func (noopSink) Emit(MetricEvent) {}

// roundEntry pairs a round record with its own lock, so that mutating
// transitions on one round never block another (spec.md §5).
type roundEntry struct {
	mu    sync.Mutex
	round *fl.Round
	timer *time.Timer
}

// Manager owns every in-flight and historical round record in memory and
// is the sole mutator of round and participant state.
type Manager struct {
	store   *modelstore.Store
	clients *registry.Registry
	models  *aggregator.Registry
	crypto  Crypto
	sink    MetricSink
	log     zerolog.Logger

	mu     sync.RWMutex
	rounds map[string]*roundEntry

	latestCompleted map[string]*fl.Round
	roundsByKind    map[string][]*fl.Round
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option { return func(m *Manager) { m.log = log } }

// WithMetricSink attaches a metric sink; defaults to a no-op sink.
func WithMetricSink(sink MetricSink) Option { return func(m *Manager) { m.sink = sink } }

// NewManager constructs a Manager over its three collaborating components.
func NewManager(store *modelstore.Store, clients *registry.Registry, models *aggregator.Registry, crypto Crypto, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		clients:         clients,
		models:          models,
		crypto:          crypto,
		log:             zerolog.Nop(),
		sink:            noopSink{},
		rounds:          make(map[string]*roundEntry),
		latestCompleted: make(map[string]*fl.Round),
		roundsByKind:    make(map[string][]*fl.Round),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRound implements spec.md §4.3's createRound. The initial global
// blob is either carried over from the preceding completed round of the
// same modelId, or freshly initialized from the model-kind registry for
// roundNumber 1.
func (m *Manager) CreateRound(ctx context.Context, modelID, modelKind string, roundNumber int, cfg fl.RoundConfig) (string, error) {
	const op = "RoundManager.CreateRound"

	if cfg.MinClients < 1 {
		return "", errs.E(op, errs.Validation, fmt.Errorf("minClients must be >= 1"))
	}
	if cfg.MaxClients < cfg.MinClients {
		return "", errs.E(op, errs.Validation, fmt.Errorf("maxClients must be >= minClients"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := fmt.Sprintf("%s-round-%d", modelID, roundNumber)
	if _, exists := m.rounds[id]; exists {
		return "", errs.E(op, errs.Conflict, fmt.Errorf("round %s already exists", id))
	}

	var globalRef string
	var globalData []byte
	if roundNumber > 1 {
		prior, ok := m.latestCompleted[modelID]
		if !ok || prior.Status != fl.RoundCompleted {
			// Wire protocol calls this NoPredecessor; modeled here as a
			// Validation error since it is a caller-side configuration
			// mistake rather than a system fault.
			return "", errs.E(op, errs.Validation, fmt.Errorf("no completed predecessor round for modelId %s", modelID))
		}
		globalRef = prior.AggregatedBlobRef
		data, err := m.store.GetBlob(globalRef)
		if err != nil {
			return "", errs.E(op, errs.Transient, err)
		}
		globalData = data
	} else {
		empty, err := m.models.NewEmptyModel(modelKind)
		if err != nil {
			return "", errs.E(op, errs.Validation, err)
		}
		data, err := empty.Encode()
		if err != nil {
			return "", errs.E(op, errs.Fatal, err)
		}
		ref, err := m.store.PutBlob(ctx, data)
		if err != nil {
			return "", errs.E(op, errs.Transient, err)
		}
		globalRef = ref
		globalData = data
	}

	r := &fl.Round{
		ID:                  id,
		ModelID:             modelID,
		ModelKind:           modelKind,
		RoundNumber:         roundNumber,
		Status:              fl.RoundCreated,
		CreatedAt:           time.Now(),
		MinClients:          cfg.MinClients,
		MaxClients:          cfg.MaxClients,
		TimeoutSeconds:      cfg.TimeoutSeconds,
		AggregationStrategy: cfg.AggregationStrategy,
		SelectionStrategy:   cfg.SelectionStrategy,
		TrimRatio:           cfg.TrimRatio,
		Hyperparameters:     cfg.Hyperparameters,
		Evaluation:          cfg.Evaluation,
		SelectionSeed:       rand.Int63(),
		Participants:        make(map[string]*fl.Participant),
		GlobalBlobRef:       globalRef,
	}

	scope, err := m.store.OpenRoundScope(id)
	if err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}
	if err := scope.WriteGlobalModel(globalData); err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}
	if err := m.store.SnapshotRound(r); err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}

	m.rounds[id] = &roundEntry{round: r}
	return id, nil
}

// SelectClients implements spec.md §4.3's selectClients.
func (m *Manager) SelectClients(roundID string) error {
	const op = "RoundManager.SelectClients"
	entry, err := m.entry(roundID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	r := entry.round
	if r.Status != fl.RoundCreated {
		return errs.E(op, errs.PreconditionFailed, fmt.Errorf("round %s is not in created state", roundID))
	}

	candidates := m.clients.List(registry.Filter{ModelKind: r.ModelKind, Status: fl.ClientActive}, time.Now())
	if len(candidates) < r.MinClients {
		return errs.E(op, errs.InsufficientCandidates, fmt.Errorf("need %d eligible clients, have %d", r.MinClients, len(candidates)))
	}

	selected := selectByStrategy(candidates, r.SelectionStrategy, r.SelectionSeed, r.MaxClients)

	now := time.Now()
	for _, c := range selected {
		r.Participants[c.ID] = &fl.Participant{ClientID: c.ID, Status: fl.ParticipantInvited, InvitedAt: now}
	}

	return m.persist(r)
}

// StartRound implements spec.md §4.3's startRound, scheduling the timeout
// task that fires the finalization job if clients never complete.
func (m *Manager) StartRound(roundID string) error {
	const op = "RoundManager.StartRound"
	entry, err := m.entry(roundID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	r := entry.round
	if r.Status != fl.RoundCreated {
		return errs.E(op, errs.PreconditionFailed, fmt.Errorf("round %s is not created", roundID))
	}
	invited := r.CountByStatus(fl.ParticipantInvited)
	if invited < r.MinClients {
		return errs.E(op, errs.PreconditionFailed, fmt.Errorf("only %d invited, need %d", invited, r.MinClients))
	}

	started := time.Now()
	r.Status = fl.RoundInProgress
	r.StartedAt = &started

	if err := m.persist(r); err != nil {
		return err
	}

	entry.timer = time.AfterFunc(time.Duration(r.TimeoutSeconds)*time.Second, func() {
		m.handleTimeout(roundID)
	})
	return nil
}

// Join implements spec.md §4.3's join. A client already joined gets back
// the same global blob ref idempotently; a client in a terminal substate
// is rejected with Conflict.
func (m *Manager) Join(roundID, clientID string) (string, error) {
	const op = "RoundManager.Join"
	entry, err := m.entry(roundID)
	if err != nil {
		return "", err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	r := entry.round
	if r.Status != fl.RoundInProgress {
		return "", errs.E(op, errs.NotEligible, fmt.Errorf("round %s is not in progress", roundID))
	}

	p, ok := r.Participants[clientID]
	if !ok {
		return "", errs.E(op, errs.NotEligible, fmt.Errorf("client %s was not invited to round %s", clientID, roundID))
	}

	switch p.Status {
	case fl.ParticipantJoined:
		return r.GlobalBlobRef, nil
	case fl.ParticipantInvited:
		joined := time.Now()
		p.Status = fl.ParticipantJoined
		p.JoinedAt = &joined
		if err := m.persist(r); err != nil {
			return "", err
		}
		return r.GlobalBlobRef, nil
	default:
		return "", errs.E(op, errs.Conflict, fmt.Errorf("participant %s is in terminal state %s", clientID, p.Status))
	}
}

// UploadModel implements spec.md §4.3's uploadModel. The signature is a
// server-keyed HMAC over the blob's content hash (SPEC_FULL.md §9).
func (m *Manager) UploadModel(ctx context.Context, roundID, clientID string, blob *fl.ModelBlob, signature []byte, metrics map[string]any) error {
	const op = "RoundManager.UploadModel"
	entry, err := m.entry(roundID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	r := entry.round

	if r.Status != fl.RoundInProgress {
		entry.mu.Unlock()
		return errs.E(op, errs.NotEligible, fmt.Errorf("round %s is not in progress", roundID))
	}
	p, ok := r.Participants[clientID]
	if !ok || p.Status != fl.ParticipantJoined {
		entry.mu.Unlock()
		return errs.E(op, errs.NotEligible, fmt.Errorf("client %s has not joined round %s", clientID, roundID))
	}

	data, err := blob.Encode()
	if err != nil {
		entry.mu.Unlock()
		return errs.E(op, errs.Fatal, err)
	}
	hash := m.crypto.Hash(data)
	if !m.verifyUploadSignature(clientID, hash, signature) {
		entry.mu.Unlock()
		return errs.E(op, errs.SignatureInvalid, fmt.Errorf("signature verification failed for client %s", clientID))
	}

	ref, err := m.store.PutBlob(ctx, data)
	if err != nil {
		entry.mu.Unlock()
		return errs.E(op, errs.Transient, err)
	}

	if scope, serr := m.store.OpenRoundScope(roundID); serr != nil {
		m.log.Warn().Err(serr).Str("roundId", roundID).Str("clientId", clientID).Msg("failed to open round scope for client upload layout copy")
	} else if werr := scope.WriteClientModel(clientID, data); werr != nil {
		m.log.Warn().Err(werr).Str("roundId", roundID).Str("clientId", clientID).Msg("failed to write client model layout copy")
	}

	completed := time.Now()
	p.Status = fl.ParticipantCompleted
	p.CompletedAt = &completed
	p.UploadedBlobRef = ref
	p.TrainingMetrics = metrics

	m.clients.IncrementParticipation(clientID)

	if err := m.persist(r); err != nil {
		entry.mu.Unlock()
		return err
	}

	allTerminal := r.AllTerminal()
	timer := entry.timer
	entry.mu.Unlock()

	if allTerminal {
		if timer != nil {
			timer.Stop()
		}
		go m.finalize(roundID)
	}
	return nil
}

func (m *Manager) verifyUploadSignature(clientID, blobHash string, signature []byte) bool {
	key, err := m.crypto.DeriveClientKey(clientID)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(blobHash))
	expected := mac.Sum(nil)
	return hmac.Equal(expected, signature)
}

// handleTimeout fires at startedAt+timeoutSeconds: any participant still
// short of a terminal substate is marked timedOut, then finalization runs.
func (m *Manager) handleTimeout(roundID string) {
	entry, err := m.entry(roundID)
	if err != nil {
		return
	}

	entry.mu.Lock()
	r := entry.round
	if r.Status != fl.RoundInProgress {
		entry.mu.Unlock()
		return
	}
	for _, p := range r.Participants {
		if !p.Status.Terminal() {
			p.Status = fl.ParticipantTimedOut
		}
	}
	if err := m.persist(r); err != nil {
		m.log.Error().Err(err).Str("roundId", roundID).Msg("failed to persist timed-out round")
	}
	entry.mu.Unlock()

	m.finalize(roundID)
}

// finalize is the finalization job (spec.md §4.3). It runs at most once
// per round: every caller path serializes on entry.mu, and the Status
// guard makes a second invocation a no-op.
func (m *Manager) finalize(roundID string) {
	entry, err := m.entry(roundID)
	if err != nil {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	r := entry.round
	if r.Status != fl.RoundInProgress {
		return
	}

	r.Status = fl.RoundAggregating
	if err := m.persist(r); err != nil {
		m.log.Error().Err(err).Str("roundId", roundID).Msg("failed to persist aggregating round")
	}

	var completedIDs []string
	for id, p := range r.Participants {
		if p.Status == fl.ParticipantCompleted {
			completedIDs = append(completedIDs, id)
		}
	}
	sort.Strings(completedIDs)

	if len(completedIDs) < r.MinClients {
		m.fail(r, fmt.Errorf("only %d of %d minClients completed", len(completedIDs), r.MinClients))
		return
	}

	blobs := make([]*fl.ModelBlob, 0, len(completedIDs))
	metricsList := make([]map[string]any, 0, len(completedIDs))
	for _, id := range completedIDs {
		p := r.Participants[id]
		data, err := m.store.GetBlob(p.UploadedBlobRef)
		if err != nil {
			m.fail(r, err)
			return
		}
		blob, err := fl.DecodeBlob(data)
		if err != nil {
			m.fail(r, err)
			return
		}
		blobs = append(blobs, blob)
		metricsList = append(metricsList, p.TrainingMetrics)
	}

	statsOnly := func(key string) bool { return m.models.IsStatisticsOnly(r.ModelKind, key) }
	weights := aggregator.Weights(r.AggregationStrategy, metricsList)

	aggregated, err := aggregator.Combine(blobs, weights, r.AggregationStrategy, r.TrimRatio, statsOnly)
	if err != nil {
		m.fail(r, err)
		return
	}

	encoded, err := aggregated.Encode()
	if err != nil {
		m.fail(r, err)
		return
	}
	ref, err := m.store.PutBlob(context.Background(), encoded)
	if err != nil {
		m.fail(r, err)
		return
	}

	if scope, serr := m.store.OpenRoundScope(roundID); serr != nil {
		m.log.Warn().Err(serr).Str("roundId", roundID).Msg("failed to open round scope for aggregated layout copy")
	} else if werr := scope.WriteAggregatedModel(encoded); werr != nil {
		m.log.Warn().Err(werr).Str("roundId", roundID).Msg("failed to write aggregated model layout copy")
	}
	if werr := m.store.WriteGlobalAggregated(r.ModelKind, r.RoundNumber, encoded); werr != nil {
		m.log.Warn().Err(werr).Str("roundId", roundID).Msg("failed to write global aggregated model")
	}

	var evalMetrics *aggregator.EvalMetrics
	if modelEntry, ok := m.models.Lookup(r.ModelKind); ok && modelEntry.Evaluate != nil && r.Evaluation != nil && r.Evaluation.TestSetRef != "" {
		if res, err := modelEntry.Evaluate(aggregated, r.Evaluation.TestSetRef); err == nil {
			evalMetrics = &res
		} else {
			m.log.Warn().Err(err).Str("roundId", roundID).Msg("evaluation hook failed; round still completes")
		}
	}

	ended := time.Now()
	r.AggregatedBlobRef = ref
	r.Status = fl.RoundCompleted
	r.EndedAt = &ended
	r.Results = map[string]any{"participantCount": len(completedIDs)}
	if evalMetrics != nil {
		r.Results["loss"] = evalMetrics.Loss
		r.Results["accuracy"] = evalMetrics.Accuracy
		r.Results["precision"] = evalMetrics.Precision
		r.Results["recall"] = evalMetrics.Recall
		r.Results["f1"] = evalMetrics.F1
	}

	if err := m.persist(r); err != nil {
		m.log.Error().Err(err).Str("roundId", roundID).Msg("failed to persist completed round")
	}

	if scope, serr := m.store.OpenRoundScope(roundID); serr != nil {
		m.log.Warn().Err(serr).Str("roundId", roundID).Msg("failed to open round scope for metrics layout copy")
	} else if werr := scope.WriteMetrics(r.Results); werr != nil {
		m.log.Warn().Err(werr).Str("roundId", roundID).Msg("failed to write metrics.json")
	}

	m.mu.Lock()
	m.latestCompleted[r.ModelID] = r
	m.roundsByKind[r.ModelKind] = append(m.roundsByKind[r.ModelKind], r)
	m.mu.Unlock()

	m.sink.Emit(MetricEvent{RoundID: r.ID, ModelID: r.ModelID, Kind: "completed", Metrics: r.Results})
}

func (m *Manager) fail(r *fl.Round, cause error) {
	ended := time.Now()
	r.Status = fl.RoundFailed
	r.EndedAt = &ended
	r.Results = map[string]any{"error": cause.Error()}
	if err := m.persist(r); err != nil {
		m.log.Error().Err(err).Str("roundId", r.ID).Msg("failed to persist failed round")
	}
	m.sink.Emit(MetricEvent{RoundID: r.ID, ModelID: r.ModelID, Kind: "failed", Metrics: r.Results})
}

// GetBlob resolves a content address to bytes, for joinRound/getGlobalModel
// callers that need to hand the model body to a client (spec.md §6).
func (m *Manager) GetBlob(ref string) ([]byte, error) {
	return m.store.GetBlob(ref)
}

// AvailableRound is one invited-but-not-yet-joined round for a client
// (spec.md §6's listAvailableRounds).
type AvailableRound struct {
	RoundID     string
	ModelKind   string
	RoundNumber int
	InvitedAt   time.Time
}

// ListAvailableRounds implements spec.md §6's listAvailableRounds: every
// non-terminal round the client was invited to but has not yet joined,
// optionally filtered by modelKind.
func (m *Manager) ListAvailableRounds(clientID, modelKind string) []AvailableRound {
	m.mu.RLock()
	entries := make([]*roundEntry, 0, len(m.rounds))
	for _, e := range m.rounds {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []AvailableRound
	for _, e := range entries {
		e.mu.Lock()
		r := e.round
		if modelKind != "" && r.ModelKind != modelKind {
			e.mu.Unlock()
			continue
		}
		if r.Status != fl.RoundCreated && r.Status != fl.RoundInProgress {
			e.mu.Unlock()
			continue
		}
		if p, ok := r.Participants[clientID]; ok && p.Status == fl.ParticipantInvited {
			out = append(out, AvailableRound{
				RoundID:     r.ID,
				ModelKind:   r.ModelKind,
				RoundNumber: r.RoundNumber,
				InvitedAt:   p.InvitedAt,
			})
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RoundID < out[j].RoundID })
	return out
}

// GetGlobalModel implements spec.md §6's getGlobalModel: the current (or
// an explicitly versioned) aggregated global model for a model kind.
// version 0 means "latest". Returns NotFound if the kind has no completed
// round yet, or the requested version was never produced.
func (m *Manager) GetGlobalModel(modelKind string, version int) ([]byte, int, error) {
	const op = "RoundManager.GetGlobalModel"

	m.mu.RLock()
	rounds := m.roundsByKind[modelKind]
	m.mu.RUnlock()

	if len(rounds) == 0 {
		return nil, 0, errs.E(op, errs.NotFound, fmt.Errorf("no completed round for model kind %s", modelKind))
	}

	target := rounds[len(rounds)-1]
	if version != 0 {
		target = nil
		for _, r := range rounds {
			if r.RoundNumber == version {
				target = r
				break
			}
		}
		if target == nil {
			return nil, 0, errs.E(op, errs.NotFound, fmt.Errorf("model kind %s has no version %d", modelKind, version))
		}
	}

	data, err := m.store.GetBlob(target.AggregatedBlobRef)
	if err != nil {
		return nil, 0, err
	}
	return data, target.RoundNumber, nil
}

// GetRoundStatus returns a snapshot of the round record.
func (m *Manager) GetRoundStatus(roundID string) (*fl.Round, error) {
	entry, err := m.entry(roundID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	cp := *entry.round
	return &cp, nil
}

func (m *Manager) entry(roundID string) (*roundEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rounds[roundID]
	if !ok {
		return nil, errs.E("RoundManager", errs.NotFound, fmt.Errorf("round %s not found", roundID))
	}
	return e, nil
}

func (m *Manager) persist(r *fl.Round) error {
	if err := m.store.SnapshotRound(r); err != nil {
		return errs.E("RoundManager.persist", errs.Fatal, err)
	}
	return nil
}
