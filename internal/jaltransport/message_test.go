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

package jaltransport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrips(t *testing.T) {
	m := Message{Kind: KindSubscribe, Headers: map[string]string{
		HeaderRecordType: "audit",
		HeaderMode:       "live",
		HeaderTimestamp:  "2026-08-01T00:00:00.000000Z",
	}}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, KindSubscribe, got.Kind)
	require.Equal(t, "audit", got.Get(HeaderRecordType))
	require.Equal(t, "live", got.Get(HeaderMode))
	require.Equal(t, "2026-08-01T00:00:00.000000Z", got.Get(HeaderTimestamp))
}

func TestReadMessageRejectsMissingKind(t *testing.T) {
	_, err := decodeMessage([]byte("\r\n"))
	require.Error(t, err)
}

func TestWithHeaderDoesNotMutateOriginal(t *testing.T) {
	base := Message{Kind: KindDigest, Headers: map[string]string{HeaderNonce: "01"}}
	extended := base.WithHeader(HeaderDigest, "deadbeef")
	require.Equal(t, "", base.Get(HeaderDigest))
	require.Equal(t, "deadbeef", extended.Get(HeaderDigest))
}
