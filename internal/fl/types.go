// Package fl holds the shared domain types for the federated learning
// control plane: clients, rounds, participants, and model blobs. Types here
// carry no behavior beyond small invariant helpers — the state machines
// that mutate them live in internal/round and internal/registry.
package fl

import "time"

// ClientStatus is the lifecycle status of a registered client.
type ClientStatus string

const (
	ClientActive   ClientStatus = "active"
	ClientInactive ClientStatus = "inactive"
	ClientBanned   ClientStatus = "banned"
)

// DeviceProfile describes a client's training hardware.
type DeviceProfile struct {
	HasAccelerator   bool   `json:"hasAccelerator"`
	AcceleratorCount int    `json:"acceleratorCount"`
	OSTag            string `json:"osTag"`
}

// Client is a registered remote trainer.
type Client struct {
	ID                 string        `json:"id"`
	ModelKind          string        `json:"modelKind"`
	DeviceProfile      DeviceProfile `json:"deviceProfile"`
	RegisteredAt       time.Time     `json:"registeredAt"`
	LastSeenAt         time.Time     `json:"lastSeenAt"`
	RoundsParticipated int           `json:"roundsParticipated"`
	Status             ClientStatus  `json:"status"`
}

// RoundStatus is a position in the round state machine (spec.md §4.3).
type RoundStatus string

const (
	RoundCreated     RoundStatus = "created"
	RoundInProgress  RoundStatus = "inProgress"
	RoundAggregating RoundStatus = "aggregating"
	RoundCompleted   RoundStatus = "completed"
	RoundFailed      RoundStatus = "failed"
)

// Terminal reports whether status allows no further transitions.
func (s RoundStatus) Terminal() bool {
	return s == RoundCompleted || s == RoundFailed
}

// AggregationStrategy selects how client blobs are combined.
type AggregationStrategy string

const (
	UniformMean      AggregationStrategy = "uniformMean"
	SizeWeightedMean AggregationStrategy = "sizeWeightedMean"
	TrimmedMean      AggregationStrategy = "trimmedMean"
)

// SelectionStrategy selects which clients are invited into a round.
type SelectionStrategy string

const (
	SelectRandom             SelectionStrategy = "random"
	SelectResourceWeighted   SelectionStrategy = "resourceWeighted"
	SelectLeastParticipation SelectionStrategy = "leastParticipation"
)

// ParticipantStatus is a client's substate within one round (spec.md §4.3).
type ParticipantStatus string

const (
	ParticipantInvited   ParticipantStatus = "invited"
	ParticipantJoined    ParticipantStatus = "joined"
	ParticipantCompleted ParticipantStatus = "completed"
	ParticipantTimedOut  ParticipantStatus = "timedOut"
	ParticipantDeclined  ParticipantStatus = "declined"
)

// Terminal reports whether status allows no further transitions.
func (s ParticipantStatus) Terminal() bool {
	return s == ParticipantCompleted || s == ParticipantTimedOut || s == ParticipantDeclined
}

// Participant is a client's role within one round.
type Participant struct {
	ClientID        string            `json:"clientId"`
	Status          ParticipantStatus `json:"status"`
	InvitedAt       time.Time         `json:"invitedAt"`
	JoinedAt        *time.Time        `json:"joinedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	UploadedBlobRef string            `json:"uploadedBlobRef,omitempty"`
	TrainingMetrics map[string]any    `json:"trainingMetrics,omitempty"`
}

// EvaluationConfig points the finalization job at an optional held-out
// dataset for the Aggregator's evaluate hook.
type EvaluationConfig struct {
	TestSetRef string `json:"testSetRef,omitempty"`
}

// RoundConfig is the caller-supplied configuration for createRound.
type RoundConfig struct {
	MinClients          int                  `json:"minClients"`
	MaxClients          int                  `json:"maxClients"`
	TimeoutSeconds      int                  `json:"timeoutSeconds"`
	AggregationStrategy AggregationStrategy  `json:"aggregationStrategy"`
	SelectionStrategy   SelectionStrategy    `json:"selectionStrategy"`
	Hyperparameters     map[string]any       `json:"hyperparameters,omitempty"`
	TrimRatio           float64              `json:"trimRatio,omitempty"`
	Evaluation          *EvaluationConfig    `json:"evaluation,omitempty"`
}

// Round is one cycle of global-model distribution, local training, and
// aggregation.
type Round struct {
	ID                  string                 `json:"id"`
	ModelID             string                 `json:"modelId"`
	ModelKind           string                 `json:"modelKind"`
	RoundNumber         int                    `json:"roundNumber"`
	Status              RoundStatus            `json:"status"`
	CreatedAt           time.Time              `json:"createdAt"`
	StartedAt           *time.Time             `json:"startedAt,omitempty"`
	EndedAt             *time.Time             `json:"endedAt,omitempty"`
	MinClients          int                    `json:"minClients"`
	MaxClients          int                    `json:"maxClients"`
	TimeoutSeconds      int                    `json:"timeoutSeconds"`
	AggregationStrategy AggregationStrategy    `json:"aggregationStrategy"`
	SelectionStrategy   SelectionStrategy      `json:"selectionStrategy"`
	TrimRatio           float64                `json:"trimRatio,omitempty"`
	Hyperparameters     map[string]any         `json:"hyperparameters,omitempty"`
	Evaluation          *EvaluationConfig      `json:"evaluation,omitempty"`
	SelectionSeed       int64                  `json:"selectionSeed"`
	Participants        map[string]*Participant `json:"participants"`
	Results             map[string]any         `json:"results,omitempty"`
	GlobalBlobRef       string                 `json:"globalBlobRef,omitempty"`
	AggregatedBlobRef   string                 `json:"aggregatedBlobRef,omitempty"`
}

// CountByStatus tallies participants by substate.
func (r *Round) CountByStatus(status ParticipantStatus) int {
	n := 0
	for _, p := range r.Participants {
		if p.Status == status {
			n++
		}
	}
	return n
}

// AllTerminal reports whether every participant has reached a terminal
// substate (spec.md §4.3 upload operation / finalization precondition).
func (r *Round) AllTerminal() bool {
	for _, p := range r.Participants {
		if !p.Status.Terminal() {
			return false
		}
	}
	return true
}

// BlobKind tags the provenance of a stored model blob.
type BlobKind string

const (
	BlobGlobalInitial    BlobKind = "globalInitial"
	BlobGlobalAggregated BlobKind = "globalAggregated"
	BlobClientUpload     BlobKind = "clientUpload"
)

// TensorShape describes one named parameter tensor in a model blob.
type TensorShape struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// ModelBlob is the parameter dictionary a client uploads or the coordinator
// distributes, before encryption and content addressing.
type ModelBlob struct {
	ModelKind  string                 `json:"modelKind"`
	Params     map[string][]float64   `json:"params"`
	Shapes     map[string]TensorShape `json:"shapes,omitempty"`
	StatsKeys  []string               `json:"statsKeys,omitempty"`
}
