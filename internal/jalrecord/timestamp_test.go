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
)

func TestTimestampCompareIsCalendarAwareNotLexicographic(t *testing.T) {
	// Lexicographically "-05:00" sorts before "Z", but in wall-clock terms
	// 04:00 UTC is the same instant as 23:00-05:00 the day before, and this
	// case is strictly later than 00:00 UTC the same nominal day.
	a := Timestamp("2024-01-01T00:00:00-05:00") // == 2024-01-01T05:00:00Z
	b := Timestamp("2024-01-01T04:00:00Z")

	cmp, err := a.Compare(b)
	require.NoError(t, err)
	require.Equal(t, 1, cmp, "a is later in wall-clock time despite sorting earlier as a string")
}

func TestTimestampCompareFractionalSeconds(t *testing.T) {
	a := Timestamp("2024-06-01T12:00:00.5Z")
	b := Timestamp("2024-06-01T12:00:00.50Z")
	cmp, err := a.Compare(b)
	require.NoError(t, err)
	require.Equal(t, 0, cmp)

	c := Timestamp("2024-06-01T12:00:00.49Z")
	cmp, err = c.Compare(a)
	require.NoError(t, err)
	require.Equal(t, -1, cmp)
}

func TestTimestampValid(t *testing.T) {
	require.True(t, Timestamp("2024-06-01T12:00:00Z").Valid())
	require.True(t, Timestamp("2024-06-01T12:00:00.123456+02:00").Valid())
	require.False(t, Timestamp("not-a-timestamp").Valid())
}

func TestTimestampNowIsValid(t *testing.T) {
	require.True(t, Now().Valid())
}
