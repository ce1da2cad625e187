package journal

import (
	"time"

	"github.com/google/uuid"
)

// Intent is an attribute update that was begun
type Intent struct {
	ID      uint64
	Entity  uuid.UUID
	Name    string
	Started time.Time
}

// RecoveryStats summarizes what Open found on disk
type RecoveryStats struct {
	TotalEntries      int
	CommittedIntents  int
	ResolvedIntents   int
	PendingIntents    int
	TornFiles         int
	LastCheckpointLSN uint64
}

// recoveryState is the journal state rebuilt from its files
type recoveryState struct {
	stats      RecoveryStats
	pending    map[uint64]*Entry
	order      []uint64
	lastLSN    uint64
	lastIntent uint64
}

// recoverEntries groups entries by intent. An intent is pending when its
// BEGIN has neither a COMMIT nor a RESOLVE.
func recoverEntries(entries []*Entry) *recoveryState {
	st := &recoveryState{pending: make(map[uint64]*Entry)}
	st.stats.TotalEntries = len(entries)

	for _, e := range entries {
		if e.LSN > st.lastLSN {
			st.lastLSN = e.LSN
		}
		if e.Intent > st.lastIntent {
			st.lastIntent = e.Intent
		}

		switch e.Op {
		case OpBegin:
			if _, ok := st.pending[e.Intent]; !ok {
				st.order = append(st.order, e.Intent)
			}
			st.pending[e.Intent] = e
		case OpCommit:
			if _, ok := st.pending[e.Intent]; ok {
				delete(st.pending, e.Intent)
				st.stats.CommittedIntents++
			}
		case OpResolve:
			if _, ok := st.pending[e.Intent]; ok {
				delete(st.pending, e.Intent)
				st.stats.ResolvedIntents++
			}
		case OpCheckpoint:
			st.stats.LastCheckpointLSN = e.LSN
		}
	}

	st.stats.PendingIntents = len(st.pending)
	return st
}

// intents returns pending intents in the order they were begun
func (st *recoveryState) intents() []Intent {
	out := make([]Intent, 0, len(st.pending))
	seen := make(map[uint64]bool, len(st.pending))
	for _, id := range st.order {
		if e, ok := st.pending[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, Intent{ID: id, Entity: e.Entity, Name: e.Name, Started: e.Timestamp})
		}
	}
	return out
}
