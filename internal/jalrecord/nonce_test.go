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
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNonceNextStrictlyIncreasing(t *testing.T) {
	n := ZeroNonce
	for i := 0; i < 1000; i++ {
		next := Next(n)
		require.Equal(t, 1, next.Compare(n), "Next(%s) must exceed %s", next, n)
		n = next
	}
}

func TestNonceRoundTripsUint64(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 256, 1 << 40} {
		require.Equal(t, v, NonceFromUint64(v).Uint64())
	}
}

func TestNonceCompareEqualLengthIsByteOrder(t *testing.T) {
	a := NonceFromUint64(5)
	b := NonceFromUint64(6)
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a.Clone()))
}

// TestNonceOrderingIsTotalAndMonotonic is the property test spec.md
// section 8 calls for: nonces assigned by consecutive Next calls are
// strictly increasing under the nonce comparator, for any starting point.
func TestNonceOrderingIsTotalAndMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		start := NonceFromUint64(rapid.Uint64Range(0, 1<<62).Draw(rt, "start"))
		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		cur := start
		for i := 0; i < steps; i++ {
			next := Next(cur)
			require.Equal(rt, 1, next.Compare(cur))
			require.Equal(rt, -1, cur.Compare(next))
			cur = next
		}
	})
}
