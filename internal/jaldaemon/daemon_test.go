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

package jaldaemon

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jalop-project/jald/internal/jalconfig"
	"github.com/jalop-project/jald/internal/jalkv"
	"github.com/jalop-project/jald/internal/jalkv/fakekv"
	"github.com/jalop-project/jald/internal/jalpolicy"
	"github.com/jalop-project/jald/internal/jalrecord"
	"github.com/jalop-project/jald/internal/jalsession"
	"github.com/jalop-project/jald/internal/jalstore"
	"github.com/jalop-project/jald/internal/jaltransport"
)

func TestParseRecordTypeRecognisesAllThree(t *testing.T) {
	for _, rt := range jalrecord.AllTypes {
		got, ok := parseRecordType(rt.String())
		require.True(t, ok)
		require.Equal(t, rt, got)
	}
	_, ok := parseRecordType("bogus")
	require.False(t, ok)
}

func TestParseRoleRoundTrips(t *testing.T) {
	r, ok := parseRole("publisher")
	require.True(t, ok)
	require.Equal(t, "publisher", r.String())

	r, ok = parseRole("subscriber")
	require.True(t, ok)
	require.Equal(t, "subscriber", r.String())

	_, ok = parseRole("")
	require.False(t, ok)
}

func TestParseEncodingDefaultsToXML(t *testing.T) {
	require.Equal(t, jalsession.EncodingXML, parseEncoding(""))
	require.Equal(t, jalsession.EncodingEXI, parseEncoding("exi"))
}

func TestAwaitDrainReturnsNilOnceThreadsExit(t *testing.T) {
	d := &Daemon{}
	d.threadsToExit.Store(1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		d.threadsToExit.Store(0)
	}()
	require.NoError(t, d.awaitDrain(time.Second))
}

func TestAwaitDrainForcesExitPastTimeout(t *testing.T) {
	d := &Daemon{}
	d.threadsToExit.Store(1)
	err := d.awaitDrain(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrForcedExit())
}

func TestHandleHealthzReflectsExiting(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := &Daemon{registry: reg, metrics: NewMetrics(reg)}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	d.handleHealthz(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	d.exiting.Store(true)
	w = httptest.NewRecorder()
	d.handleHealthz(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminRouterServesMetricsAndStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := &Daemon{registry: reg, metrics: NewMetrics(reg)}
	d.metrics.RecordsInserted.WithLabelValues("audit").Inc()

	st, err := jalstore.New(fakekv.New(jalkv.SchemaFor(jalrecord.TypeAudit.String())), jalrecord.TypeAudit, jalstore.Config{
		DBRoot: t.TempDir(), InlineThreshold: 1 << 20, CompressThreshold: 1 << 20, CacheSize: 16,
	}, log.New())
	require.NoError(t, err)
	d.stores = map[jalrecord.Type]*jalstore.Store{jalrecord.TypeAudit: st}

	srv := httptest.NewServer(d.adminRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// newHandshakeDaemon builds a Daemon with one fakekv-backed audit store and
// a policy directory that authorizes allowHost for both roles, skipping
// New's flock/mdbx bring-up the same way jalstore and jalpublish's own
// tests skip it via fakekv.
func newHandshakeDaemon(t *testing.T, allowHost string) *Daemon {
	t.Helper()
	lg := log.New()
	db := fakekv.New(jalkv.SchemaFor(jalrecord.TypeAudit.String()))
	st, err := jalstore.New(db, jalrecord.TypeAudit, jalstore.Config{
		DBRoot: t.TempDir(), InlineThreshold: 1 << 20, CompressThreshold: 1 << 20, CacheSize: 16,
	}, lg)
	require.NoError(t, err)

	policy := jalpolicy.NewDirectory(context.Background(), []jalpolicy.Entry{
		{
			Hosts:          []string{allowHost},
			PublishAllow:   jalpolicy.AllowFromTypes([]jalrecord.Type{jalrecord.TypeAudit}),
			SubscribeAllow: jalpolicy.AllowFromTypes([]jalrecord.Type{jalrecord.TypeAudit}),
		},
	}, lg)

	reg := prometheus.NewRegistry()
	d := &Daemon{
		cfg:      &jalconfig.Config{PendingDigestMax: 8, PollTime: 0},
		log:      lg,
		policy:   policy,
		registry: reg,
		metrics:  NewMetrics(reg),
		stores:   map[jalrecord.Type]*jalstore.Store{jalrecord.TypeAudit: st},
		sessions: map[jalrecord.Type]map[string]*jalsession.Session{jalrecord.TypeAudit: {}},
	}
	return d
}

// TestHandleConnRejectsUnauthorizedPeer drives an initialize handshake from
// a host the policy directory has no entry for and asserts the daemon
// replies with initialize-nack rather than proceeding to subscribe.
func TestHandleConnRejectsUnauthorizedPeer(t *testing.T) {
	d := newHandshakeDaemon(t, "trusted.example")

	serverRaw, clientRaw := net.Pipe()
	defer clientRaw.Close()
	client := jaltransport.NewConn(clientRaw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.handleConn(context.Background(), jaltransport.NewConn(serverRaw))
	}()

	require.NoError(t, client.WriteMessage(jaltransport.Message{
		Kind: jaltransport.KindInitialize,
		Headers: map[string]string{
			jaltransport.HeaderRecordType: jalrecord.TypeAudit.String(),
			jaltransport.HeaderRole:       "publisher",
			jaltransport.HeaderDigestURI:  "http://www.w3.org/2001/04/xmlenc#sha256",
		},
	}))

	reply, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, jaltransport.KindInitializeNack, reply.Kind)
	<-done
}

// TestHandleConnNegotiatesDigestAlgorithm drives a full initialize/subscribe
// handshake from an authorized host, checks the ack carries a digest
// algorithm this daemon actually supports, and that the resulting session
// is registered under the active-sessions table while the connection is
// live — the publisher loop then keeps polling the (empty) archive store,
// so the test closes the connection rather than waiting for it to finish on
// its own.
func TestHandleConnNegotiatesDigestAlgorithm(t *testing.T) {
	// handleConn authorizes a peer by the IP of its remote address, and
	// net.Pipe's address carries none, so this test connects over loopback
	// TCP and authorizes 127.0.0.1.
	d := newHandshakeDaemon(t, "127.0.0.1")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	clientRaw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverRaw, err := ln.Accept()
	require.NoError(t, err)
	client := jaltransport.NewConn(clientRaw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.handleConn(context.Background(), jaltransport.NewConn(serverRaw))
	}()

	require.NoError(t, client.WriteMessage(jaltransport.Message{
		Kind: jaltransport.KindInitialize,
		Headers: map[string]string{
			jaltransport.HeaderRecordType: jalrecord.TypeAudit.String(),
			jaltransport.HeaderRole:       "subscriber",
			jaltransport.HeaderDigestURI:  "http://www.w3.org/2001/04/xmlenc#sha256",
		},
	}))

	ack, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, jaltransport.KindInitializeAck, ack.Kind)
	require.Equal(t, "http://www.w3.org/2001/04/xmlenc#sha256", ack.Get(jaltransport.HeaderDigestURI))

	// The peer declared itself a subscriber, so the local session is the
	// publisher.
	require.NoError(t, client.WriteMessage(jaltransport.Message{
		Kind:    jaltransport.KindSubscribe,
		Headers: map[string]string{jaltransport.HeaderMode: "archive"},
	}))

	require.Eventually(t, func() bool {
		d.sessionsMu.Lock()
		defer d.sessionsMu.Unlock()
		return len(d.sessions[jalrecord.TypeAudit]) == 1
	}, time.Second, 5*time.Millisecond)

	clientRaw.Close()
	// The publisher loop is mid-poll against an empty archive store (its
	// default 1s interval, since this test leaves PollTime unset); it
	// notices the disconnect-driven Abort on its next iteration.
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handleConn did not return after the connection closed")
	}
}
