package modelstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/medhive/flcoordinator/internal/errs"
	"github.com/medhive/flcoordinator/internal/fl"
)

// RoundScope is a handle on one round's directory tree, acquired with
// OpenRoundScope. It holds no open files or locks, so Close releases
// nothing; Close is idempotent and callers may defer it or omit it.
type RoundScope struct {
	store   *Store
	roundID string
	dir     string
	once    sync.Once
}

func (s *Store) roundDir(roundID string) string {
	return filepath.Join(s.roundsDir(), roundID)
}

// OpenRoundScope creates rounds/<roundId>/{client_models,global_model}/ and
// returns a handle exposing path helpers. Safe to call again for an
// existing round (idempotent directory creation).
func (s *Store) OpenRoundScope(roundID string) (*RoundScope, error) {
	const op = "ModelStore.OpenRoundScope"
	dir := s.roundDir(roundID)

	for _, sub := range []string{"client_models", "global_model"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, errs.E(op, errs.Fatal, err)
		}
	}

	return &RoundScope{store: s, roundID: roundID, dir: dir}, nil
}

// Close releases the scope. It never removes the round's artifacts —
// purging is an explicit, separate operation (PurgeRound).
func (rs *RoundScope) Close() error {
	rs.once.Do(func() {})
	return nil
}

// GlobalModelPath returns the path of the round's initial global blob copy.
func (rs *RoundScope) GlobalModelPath() string {
	return filepath.Join(rs.dir, "global_model", "model.bin")
}

// AggregatedModelPath returns the path of the round's aggregated output,
// written only after the round completes.
func (rs *RoundScope) AggregatedModelPath() string {
	return filepath.Join(rs.dir, "global_model", "aggregated.bin")
}

// ClientModelPath returns the path a given client's upload is stored at.
func (rs *RoundScope) ClientModelPath(clientID string) string {
	return filepath.Join(rs.dir, "client_models", clientID+".bin")
}

// MetricsPath returns the path of the round's metrics.json.
func (rs *RoundScope) MetricsPath() string {
	return filepath.Join(rs.dir, "metrics.json")
}

// WriteGlobalModel persists the round's initial global blob copy
// (encrypted at rest, per spec.md §6).
func (rs *RoundScope) WriteGlobalModel(data []byte) error {
	return rs.store.WriteEncryptedFile(rs.GlobalModelPath(), data)
}

// WriteAggregatedModel persists the round's aggregated output once the
// finalization job completes.
func (rs *RoundScope) WriteAggregatedModel(data []byte) error {
	return rs.store.WriteEncryptedFile(rs.AggregatedModelPath(), data)
}

// WriteClientModel persists one client's upload, encrypted at rest
// (spec.md §6).
func (rs *RoundScope) WriteClientModel(clientID string, data []byte) error {
	return rs.store.WriteEncryptedFile(rs.ClientModelPath(clientID), data)
}

// WriteMetrics writes the round's metrics.json as plain JSON, readable by
// an operator without CryptoKit access.
func (rs *RoundScope) WriteMetrics(metrics map[string]any) error {
	const op = "RoundScope.WriteMetrics"
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	if err := writeAtomic(rs.MetricsPath(), data, 0o600); err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	return nil
}

// roundInfoPath returns the path of the round record snapshot.
func (s *Store) roundInfoPath(roundID string) string {
	return filepath.Join(s.roundDir(roundID), "round_info.json")
}

// SnapshotRound atomically writes the full round record so readers never
// observe a torn write (spec.md §4.2 / §9 serialization discipline).
func (s *Store) SnapshotRound(r *fl.Round) error {
	const op = "ModelStore.SnapshotRound"

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	if err := os.MkdirAll(s.roundDir(r.ID), 0o700); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	if err := writeAtomic(s.roundInfoPath(r.ID), data, 0o600); err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	return nil
}

// LoadRound reads a previously snapshotted round record.
func (s *Store) LoadRound(roundID string) (*fl.Round, error) {
	const op = "ModelStore.LoadRound"

	data, err := os.ReadFile(s.roundInfoPath(roundID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.E(op, errs.NotFound, fmt.Errorf("round %s not found", roundID))
		}
		return nil, errs.E(op, errs.Transient, err)
	}

	var r fl.Round
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	return &r, nil
}

// PurgeRound removes all artifacts of a round. It refuses to purge a round
// whose status is not terminal (spec.md §4.2).
func (s *Store) PurgeRound(r *fl.Round) error {
	const op = "ModelStore.PurgeRound"
	if !r.Status.Terminal() {
		return errs.E(op, errs.PreconditionFailed, fmt.Errorf("round %s is not terminal (status=%s)", r.ID, r.Status))
	}
	if err := os.RemoveAll(s.roundDir(r.ID)); err != nil {
		return errs.E(op, errs.Transient, err)
	}
	return nil
}

// WriteGlobalAggregated writes the latest aggregated global model for a
// model kind under models/global/<modelKind>/aggregated.<version>.bin
// (spec.md §6 on-disk layout).
func (s *Store) WriteGlobalAggregated(modelKind string, version int, data []byte) error {
	path := filepath.Join(s.globalsDir(), modelKind, fmt.Sprintf("aggregated.%d.bin", version))
	return s.WriteEncryptedFile(path, data)
}

// ReadGlobalAggregated reverses WriteGlobalAggregated.
func (s *Store) ReadGlobalAggregated(modelKind string, version int) ([]byte, error) {
	path := filepath.Join(s.globalsDir(), modelKind, fmt.Sprintf("aggregated.%d.bin", version))
	return s.ReadEncryptedFile(path)
}
