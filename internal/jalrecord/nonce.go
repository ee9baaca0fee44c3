// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package jalrecord

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
)

// NonceLen is the fixed width of a canonical Nonce: a big-endian uint64,
// the same "block_num_u64"-style fixed-width key erigon uses throughout
// erigon-lib/kv/tables.go. Fixed width means plain byte-lexicographic
// comparison (what every mdbx table uses by default) already equals
// numeric order, so the six dup-sorted secondary indices need no custom
// comparator.
const NonceLen = 8

// Nonce is a total-ordering record identifier in its canonical big-endian
// byte form.
type Nonce []byte

// ZeroNonce represents "no record yet" — the value MetaMaxNonceKey holds
// before the first insert into a record type.
var ZeroNonce = NonceFromUint64(0)

// NonceFromUint64 encodes v in canonical form.
func NonceFromUint64(v uint64) Nonce {
	b := make(Nonce, NonceLen)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Uint64 decodes a canonical Nonce back to its integer value. Malformed
// (non-canonical-length) nonces decode as 0; callers that accept
// network-supplied nonces should validate length first.
func (n Nonce) Uint64() uint64 {
	if len(n) != NonceLen {
		return 0
	}
	return binary.BigEndian.Uint64(n)
}

// Compare implements the ordering spec.md section 3 requires: because
// every canonical Nonce has the same length, byte-wise comparison already
// equals numeric order; the length check only matters for malformed input
// (e.g. a corrupt network nonce), where shorter still sorts first.
func (n Nonce) Compare(other Nonce) int {
	if len(n) != len(other) {
		if len(n) < len(other) {
			return -1
		}
		return 1
	}
	return bytes.Compare(n, other)
}

func (n Nonce) Equal(other Nonce) bool { return n.Compare(other) == 0 }

func (n Nonce) String() string { return hex.EncodeToString(n) }

// Clone returns a defensive copy so callers holding a Nonce past a
// transaction boundary (mdbx values are only valid for the life of the
// transaction) never read stale or reused backing memory.
func (n Nonce) Clone() Nonce {
	if n == nil {
		return nil
	}
	out := make(Nonce, len(n))
	copy(out, n)
	return out
}

// Next computes the successor of max in canonical form. It never repeats a
// previously returned value within the lifetime of a uint64 counter, which
// at any sustained ingest rate outlives the deployment.
func Next(max Nonce) Nonce {
	return NonceFromUint64(max.Uint64() + 1)
}
