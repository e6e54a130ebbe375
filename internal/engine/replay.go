package engine

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultReplayCapacity = 10000

// replayLog remembers executed proposals by id across every broker. It is
// bounded: the oldest ids are forgotten first. Resetting a broker does not
// touch it.
type replayLog struct {
	mu       sync.Mutex
	done     *lru.Cache[string, Trade]
	inflight map[string]string // proposal id -> broker executing it
}

func newReplayLog(capacity int) (*replayLog, error) {
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	done, err := lru.New[string, Trade](capacity)
	if err != nil {
		return nil, err
	}
	return &replayLog{done: done, inflight: make(map[string]string)}, nil
}

// claim reserves a proposal id for brokerID. It returns the recorded trade
// when the id already executed, or the broker still executing it.
func (r *replayLog) claim(proposalID, brokerID string) (prev Trade, done bool, busy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.done.Get(proposalID); ok {
		return t.clone(), true, ""
	}
	if owner, ok := r.inflight[proposalID]; ok {
		return Trade{}, false, owner
	}
	r.inflight[proposalID] = brokerID
	return Trade{}, false, ""
}

// record stores the executed trade and ends the claim.
func (r *replayLog) record(t Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done.Add(t.ProposalID, t.clone())
	delete(r.inflight, t.ProposalID)
}

// release ends a claim that did not execute.
func (r *replayLog) release(proposalID, brokerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[proposalID] == brokerID {
		delete(r.inflight, proposalID)
	}
}

func (r *replayLog) size() int {
	return r.done.Len()
}
