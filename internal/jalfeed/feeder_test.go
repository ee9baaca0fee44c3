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

package jalfeed

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jalop-project/jald/internal/jaldigest"
	"github.com/jalop-project/jald/internal/jalrecord"
)

func testRecord() *jalrecord.Record {
	return &jalrecord.Record{
		Type:                jalrecord.TypeAudit,
		SystemMetadata:      jalrecord.Segment{Bytes: []byte("<sys>meta</sys>")},
		ApplicationMetadata: jalrecord.Segment{Bytes: []byte("<app>meta</app>")},
		Payload:             jalrecord.Segment{Bytes: []byte("the quick brown fox jumps over the lazy dog")},
	}
}

func drain(t *testing.T, f *Feeder, chunk int) []byte {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, chunk)
	for {
		n, err := f.Fill(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	return out.Bytes()
}

func TestFillWithSmallBufferReproducesFullStream(t *testing.T) {
	rec := testRecord()
	nonce := jalrecord.NonceFromUint64(42)
	boundary := []byte("\r\nBREAK\r\n")

	f, err := New(rec, nonce, boundary, jaldigest.Create(jaldigest.SHA256), 0, nil)
	require.NoError(t, err)

	out := drain(t, f, 3)
	require.Contains(t, string(out), "nonce: 000000000000002a")
	require.Contains(t, string(out), "<sys>meta</sys>")
	require.Contains(t, string(out), "<app>meta</app>")
	require.Contains(t, string(out), "the quick brown fox jumps over the lazy dog")
	require.True(t, f.Done())

	digest, n, ok := f.PayloadDigest()
	require.True(t, ok)
	require.Equal(t, int64(len(rec.Payload.Bytes)), n)

	want := jaldigest.Create(jaldigest.SHA256)
	want.Update(rec.Payload.Bytes)
	require.Equal(t, want.Final(), digest)
}

func TestFillDigestsOnlyPayloadBytes(t *testing.T) {
	rec := testRecord()
	f, err := New(rec, jalrecord.NonceFromUint64(1), []byte("|"), jaldigest.Create(jaldigest.SHA256), 0, nil)
	require.NoError(t, err)
	drain(t, f, 4096)

	digest, _, ok := f.PayloadDigest()
	require.True(t, ok)

	fresh := jaldigest.Create(jaldigest.SHA256)
	fresh.Update([]byte("garbage that must not affect the digest"))
	require.NotEqual(t, fresh.Final(), digest)
}

func TestResumeStartsAtPayloadPhaseAndDigestsOnlySuffix(t *testing.T) {
	rec := testRecord()
	full := rec.Payload.Bytes
	resumeAt := int64(10)

	getBytes := func(offset int64, buf []byte) (int, error) {
		if offset >= int64(len(full)) {
			return 0, io.EOF
		}
		n := copy(buf, full[offset:])
		return n, nil
	}

	f, err := New(rec, jalrecord.NonceFromUint64(7), []byte("|"), jaldigest.Create(jaldigest.SHA256), resumeAt, getBytes)
	require.NoError(t, err)

	out := drain(t, f, 5)
	require.Equal(t, string(full[resumeAt:])+"|", string(out))

	digest, n, ok := f.PayloadDigest()
	require.True(t, ok)
	require.Equal(t, int64(len(full))-resumeAt, n)

	want := jaldigest.Create(jaldigest.SHA256)
	want.Update(full[resumeAt:])
	require.Equal(t, want.Final(), digest)
}

func TestFillAfterErrorRefusesFurtherCalls(t *testing.T) {
	rec := testRecord()
	getBytes := func(offset int64, buf []byte) (int, error) {
		return 0, errShortRead
	}
	f, err := New(rec, jalrecord.NonceFromUint64(1), []byte("|"), jaldigest.Create(jaldigest.SHA256), 1, getBytes)
	require.NoError(t, err)

	_, err = f.Fill(make([]byte, 16))
	require.Error(t, err)
	require.True(t, f.Errored())

	_, err = f.Fill(make([]byte, 16))
	require.Error(t, err)
}

type shortReadErr string

func (e shortReadErr) Error() string { return string(e) }

const errShortRead = shortReadErr("short read")
