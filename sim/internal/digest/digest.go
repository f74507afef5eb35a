// Package digest provides SHA256 hashing utilities for run reproducibility:
// chained event-history digests and per-subsystem seed derivation. These
// functions are shared between sim/ (driver) and sim/fleet/ so that digests
// stay comparable across harness kinds.
package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// Chain folds one history record into a running digest.
// Format: prev digest bytes, then the record, then a "\n" terminator.
// Two runs have equal digests iff they produced identical record sequences.
func Chain(prev, record string) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte(record))
	h.Write([]byte("\n"))
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveSeed maps a root seed and a subsystem label to an independent stream
// seed. Format: decimal root seed, then "/", then the label. Distinct labels
// under one root yield uncorrelated streams.
func DeriveSeed(root int64, label string) int64 {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(root, 10)))
	h.Write([]byte("/"))
	h.Write([]byte(label))
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
