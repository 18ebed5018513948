package syncer

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
)

// RejectionPolicy decides what happens to an entry the remote store refuses.
type RejectionPolicy string

const (
	// PolicyRetry keeps the entry at the head of the queue and stops the pass.
	PolicyRetry RejectionPolicy = "retry"
	// PolicyDeadLetter moves the entry aside and keeps draining.
	PolicyDeadLetter RejectionPolicy = "dead_letter"
)

// ParseRejectionPolicy validates a configured policy name.
func ParseRejectionPolicy(raw string) (RejectionPolicy, error) {
	policy := RejectionPolicy(strings.ToLower(strings.TrimSpace(raw)))
	switch policy {
	case PolicyRetry, PolicyDeadLetter:
		return policy, nil
	default:
		return "", fmt.Errorf("syncer: unknown rejection policy %q", raw)
	}
}

// State is the coordinator state of one baby profile.
type State string

const (
	StateIdle     State = "IDLE"
	StateDraining State = "DRAINING"
)

// SkipReason explains a pass that did not start.
type SkipReason string

const (
	SkipInProgress      SkipReason = "in_progress"
	SkipNotServerLinked SkipReason = "not_server_linked"
	SkipSessionExpired  SkipReason = "session_expired"
)

// BlockReason classifies the entry that stopped a pass.
type BlockReason string

const (
	BlockConnectivity   BlockReason = "connectivity"
	BlockMappingPending BlockReason = "mapping_pending"
	BlockRejected       BlockReason = "rejected"
	BlockMalformed      BlockReason = "malformed"
)

// Blocker describes the first entry a pass could not apply.
type Blocker struct {
	MutationID string            `json:"mutationId"`
	Kind       care.MutationKind `json:"kind"`
	Reason     BlockReason       `json:"reason"`
	Message    string            `json:"message"`
	Err        error             `json:"-"`
}

func newBlocker(mutation care.Mutation, reason BlockReason, err error) *Blocker {
	blocker := &Blocker{MutationID: mutation.ID, Kind: mutation.Kind, Reason: reason, Err: err}
	if err != nil {
		blocker.Message = err.Error()
	}
	return blocker
}

// FlushResult summarizes one pass.
type FlushResult struct {
	Skipped      SkipReason `json:"skipped,omitempty"`
	Applied      int        `json:"applied"`
	DeadLettered int        `json:"deadLettered"`
	Remaining    int        `json:"remaining"`
	Blocker      *Blocker   `json:"blocker,omitempty"`
}
