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

package jaldigest

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncrementalUpdateMatchesOneShotHash(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := sha256.Sum256(data)

	inst := Create(SHA256)
	inst.Update(data[:10])
	inst.Update(data[10:])
	got := inst.Final()
	inst.Destroy()

	require.Equal(t, want[:], got)
}

func TestByURIRoundTrips(t *testing.T) {
	a, ok := ByURI(SHA256.URI())
	require.True(t, ok)
	require.Equal(t, SHA256.URI(), a.URI())

	_, ok = ByURI("urn:nonexistent")
	require.False(t, ok)
}

func TestSelectFirstPrefersPeerOrder(t *testing.T) {
	a, err := SelectFirst([]string{"urn:nonexistent", SHA3_512.URI(), SHA256.URI()})
	require.NoError(t, err)
	require.Equal(t, SHA3_512.URI(), a.URI())

	_, err = SelectFirst([]string{"urn:nonexistent"})
	require.Error(t, err)
}

func TestOutputLengthAfterDestroyIsZero(t *testing.T) {
	inst := Create(SHA256)
	require.Equal(t, 32, inst.OutputLength())
	inst.Destroy()
	require.Equal(t, 0, inst.OutputLength())
}
