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
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jalop-project/jald/internal/jaldigest"
	"github.com/jalop-project/jald/internal/jalfeed"
	"github.com/jalop-project/jald/internal/jalrecord"
)

func testRecord() *jalrecord.Record {
	return &jalrecord.Record{
		Type:           jalrecord.TypeAudit,
		HostUUID:       jalrecord.NewUUID(),
		RecordUUID:     jalrecord.NewUUID(),
		Hostname:       "producer",
		Time:           jalrecord.Timestamp("2026-08-01T00:00:00.000000Z"),
		SystemMetadata: jalrecord.Segment{Bytes: []byte("<sys/>")},
		Payload:        jalrecord.Segment{Bytes: []byte("hello jalop")},
	}
}

func TestConnSendAndReceiveRecordRoundTrips(t *testing.T) {
	boundary := []byte("--BOUNDARY--")
	nonce := jalrecord.NonceFromUint64(7)

	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()

	server := NewConn(serverRaw)
	client := NewConn(clientRaw)

	rec := testRecord()
	inst := jaldigest.Create(jaldigest.SHA256)
	feeder, err := jalfeed.New(rec, nonce, boundary, inst, 0, nil)
	require.NoError(t, err)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- client.Send(context.Background(), nonce, feeder)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := server.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, KindRecord, msg.Kind)
	require.Equal(t, nonce.String(), msg.Get(HeaderNonce))

	received, err := server.ReceiveRecord(ctx, boundary, jaldigest.SHA256)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	require.Equal(t, jalrecord.TypeAudit, received.Record.Type)
	require.Equal(t, "hello jalop", string(received.Record.Payload.Bytes))
	require.True(t, nonce.Equal(received.SenderNonce))

	wantDigest, _, ok := feeder.PayloadDigest()
	require.True(t, ok)
	require.Equal(t, wantDigest, received.Digest)
}

func TestConnReceiveRecordRejectsBoundaryMismatch(t *testing.T) {
	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()

	server := NewConn(serverRaw)
	client := NewConn(clientRaw)

	nonce := jalrecord.NonceFromUint64(1)
	rec := testRecord()
	inst := jaldigest.Create(jaldigest.SHA256)
	feeder, err := jalfeed.New(rec, nonce, []byte("AAAA"), inst, 0, nil)
	require.NoError(t, err)

	sendErr := make(chan error, 1)
	go func() { sendErr <- client.Send(context.Background(), nonce, feeder) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = server.ReadMessage()
	require.NoError(t, err)

	// Server expects a different boundary than the client actually used.
	_, err = server.ReceiveRecord(ctx, []byte("BBBB"), jaldigest.SHA256)
	require.Error(t, err)

	serverRaw.Close()
	clientRaw.Close()
	<-sendErr
}
