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

package jalpublish

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/jalop-project/jald/internal/jaldigest"
	"github.com/jalop-project/jald/internal/jalfeed"
	"github.com/jalop-project/jald/internal/jalkv"
	"github.com/jalop-project/jald/internal/jalkv/fakekv"
	"github.com/jalop-project/jald/internal/jalproto"
	"github.com/jalop-project/jald/internal/jalrecord"
	"github.com/jalop-project/jald/internal/jalsession"
	"github.com/jalop-project/jald/internal/jalstore"
)

type sentRecord struct {
	nonce  jalrecord.Nonce
	digest []byte
}

// recordingSender drains every feeder fully (as a real transport would)
// and remembers the (nonce, digest) pairs it saw. A separate confirmer
// goroutine in the test plays the peer, echoing each digest back once the
// loop has had a chance to enqueue it in the session's pending list.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentRecord
}

func (s *recordingSender) Send(ctx context.Context, nonce jalrecord.Nonce, f *jalfeed.Feeder) error {
	buf := make([]byte, 16)
	for {
		_, err := f.Fill(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	digest, _, ok := f.PayloadDigest()
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentRecord{nonce: nonce.Clone(), digest: append([]byte(nil), digest...)})
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) snapshot() []sentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentRecord(nil), s.sent...)
}

func newLoopTestStore(t *testing.T) *jalstore.Store {
	t.Helper()
	db := fakekv.New(jalkv.SchemaFor(jalrecord.TypeAudit.String()))
	s, err := jalstore.New(db, jalrecord.TypeAudit, jalstore.Config{
		DBRoot: t.TempDir(), InlineThreshold: 1 << 20, CompressThreshold: 1 << 20, CacheSize: 16,
	}, log.New())
	require.NoError(t, err)
	return s
}

func insertRecord(t *testing.T, store *jalstore.Store, at time.Time) jalrecord.Nonce {
	t.Helper()
	n, err := store.Insert(context.Background(), &jalrecord.Record{
		Type:           jalrecord.TypeAudit,
		HostUUID:       jalrecord.NewUUID(),
		Hostname:       "host",
		Time:           jalrecord.Timestamp(at.UTC().Format("2006-01-02T15:04:05.000000Z")),
		SystemMetadata: jalrecord.Segment{Bytes: []byte("<s/>")},
		Payload:        jalrecord.Segment{Bytes: []byte("payload")},
	})
	require.NoError(t, err)
	return n
}

func TestArchiveLoopDeliversAllRecordsThenCloses(t *testing.T) {
	store := newLoopTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n1 := insertRecord(t, store, time.Now())
	n2 := insertRecord(t, store, time.Now().Add(time.Second))

	sess := jalsession.New(store, jalrecord.TypeAudit, "peer.example", jalsession.RolePublisher, jalsession.ModeArchive, jaldigest.SHA256, jalsession.EncodingXML, 4, log.New())
	require.NoError(t, sess.Start(ctx))

	machine := jalproto.New(log.New())
	require.Equal(t, jalproto.Continue, machine.Initialize(sess).Action)
	require.Equal(t, jalproto.Continue, machine.AwaitSubscribe().Action)
	require.Equal(t, jalproto.Continue, machine.OnSubscribe(ctx, jalsession.ModeArchive, "").Action)

	sender := &recordingSender{}
	loop, err := New(sess, machine, sender, Config{Boundary: []byte("|"), PollInterval: 20 * time.Millisecond, PendingDigestMax: 4}, log.New())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Plays the peer: echoes back each digest the loop sends until the
	// session accepts it, retrying because RecordSent (which enqueues the
	// pending-digest entry OnDigest matches against) runs a moment after
	// Send returns.
	confirmerDone := make(chan struct{})
	go func() {
		defer close(confirmerDone)
		acked := map[string]bool{}
		for ctx.Err() == nil {
			for _, rec := range sender.snapshot() {
				key := rec.nonce.String()
				if acked[key] {
					continue
				}
				if outcome, err := sess.OnDigest(ctx, rec.nonce, rec.digest); err == nil && outcome == jalsession.DigestConfirmed {
					acked[key] = true
				}
			}
			if len(acked) == 2 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool {
		rec1, err := store.Get(ctx, n1)
		require.NoError(t, err)
		rec2, err := store.Get(ctx, n2)
		require.NoError(t, err)
		return rec1.Confirmed && rec2.Confirmed
	}, 2*time.Second, 10*time.Millisecond)

	sess.Finish()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not close after Finish")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 2)
}
