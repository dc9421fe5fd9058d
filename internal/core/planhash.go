package core

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/google/uuid"

	"PrizeSettle/internal/planner"
)

const genesisHashSeed = "PrizeSettle:genesis:v1"

// StateHasher chains event-log state hashes:
// state_hash[N] = SHA-256(prev_hash || sequence || digest).
// Not safe for concurrent use; the orchestrator serializes envelope
// emission.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(genesisHashSeed))}
}

// SetHead positions the chain at a previously persisted tip, so a
// restarted engine extends the durable chain instead of forking it.
func (h *StateHasher) SetHead(hash [32]byte) {
	h.prevHash = hash
}

// ComputeHash advances the chain by one event.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the current chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// HashPayouts computes the plan hash: a digest of the game id and its
// payout table in plan order. The hash is persisted with the plan and
// re-verified on resume, so a restarted engine can prove it is about
// to submit exactly the amounts the original plan committed.
func HashPayouts(game uuid.UUID, payouts []planner.Payout) [32]byte {
	hasher := sha256.New()
	hasher.Write(game[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(payouts)))
	hasher.Write(buf[:])

	for _, po := range payouts {
		writeLenPrefixed(hasher, po.Currency)
		writeLenPrefixed(hasher, po.Winner)
		writeLenPrefixed(hasher, po.Amount.String())
		binary.LittleEndian.PutUint64(buf[:], uint64(po.BaseUnits))
		hasher.Write(buf[:])
	}

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, s string) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
	h.Write(buf[:])
	h.Write([]byte(s))
}
