package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const GenesisHashSeed = "SimpleBet:genesis:v1"

// GenesisHash is the chain tip before the first state record.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher computes the hash chain over state records
type StateHasher struct {
	prevHash [32]byte
}

// ResumeStateHasher continues a chain from a known tip
func ResumeStateHasher(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hash := chainHash(h.prevHash, sequence, stateDigest)
	h.prevHash = hash
	return hash
}

// VerifyRecord recomputes the record hash from its own predecessor link.
func VerifyRecord(rec *VersionedState) error {
	want := chainHash(rec.PrevHash, rec.Sequence, rec.Data)
	if want != rec.StateHash {
		return fmt.Errorf("%w: sequence %d has %x, expected %x", ErrStateHashMismatch, rec.Sequence, rec.StateHash[:8], want[:8])
	}
	return nil
}

func chainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(prev[:])

	// sequence (8 bytes LE)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}
