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
	"encoding/hex"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jalop-project/jald/internal/jaldigest"
	"github.com/jalop-project/jald/internal/jalfeed"
	"github.com/jalop-project/jald/internal/jalproto"
	"github.com/jalop-project/jald/internal/jalpublish"
	"github.com/jalop-project/jald/internal/jalrecord"
	"github.com/jalop-project/jald/internal/jalsession"
	"github.com/jalop-project/jald/internal/jaltransport"
)

// handleConn drives one peer connection through the connect-request
// handshake spec.md section 4.3 describes (initialize → subscribe →
// streaming) and then either the publisher loop or the receive loop,
// depending on which side is pushing records in this session.
func (d *Daemon) handleConn(ctx context.Context, conn *jaltransport.Conn) {
	defer conn.Close()

	init, err := conn.ReadMessage()
	if err != nil {
		d.log.Debug("jaldaemon: connection closed before initialize", "err", err)
		return
	}
	if init.Kind != jaltransport.KindInitialize {
		d.log.Warn("jaldaemon: protocol violation, expected initialize", "got", init.Kind)
		_ = conn.WriteMessage(nack("expected initialize"))
		return
	}

	rt, ok := parseRecordType(init.Get(jaltransport.HeaderRecordType))
	if !ok {
		_ = conn.WriteMessage(nack("unknown record type"))
		return
	}
	remoteRole, ok := parseRole(init.Get(jaltransport.HeaderRole))
	if !ok {
		_ = conn.WriteMessage(nack("unknown role"))
		return
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	entry, err := d.policy.Lookup("", host)
	if err != nil {
		d.log.Warn("jaldaemon: rejecting unknown peer", "remote", host, "err", err)
		_ = conn.WriteMessage(nack("not authorized"))
		return
	}
	if !entry.Authorized(remoteRole, rt) {
		d.log.Warn("jaldaemon: policy rejects role/record-type", "remote", host, "role", remoteRole, "record_type", rt)
		_ = conn.WriteMessage(nack("not authorized for this record type"))
		return
	}

	algo, err := jaldigest.SelectFirst(strings.Split(init.Get(jaltransport.HeaderDigestURI), ","))
	if err != nil {
		_ = conn.WriteMessage(nack("no common digest algorithm"))
		return
	}
	encoding := parseEncoding(init.Get(jaltransport.HeaderEncoding))

	encodingHeader := "xml"
	if encoding == jalsession.EncodingEXI {
		encodingHeader = "exi"
	}
	if err := conn.WriteMessage(jaltransport.Message{
		Kind: jaltransport.KindInitializeAck,
		Headers: map[string]string{
			jaltransport.HeaderDigestURI:  algo.URI(),
			jaltransport.HeaderRecordType: rt.String(),
			jaltransport.HeaderEncoding:   encodingHeader,
		},
	}); err != nil {
		return
	}

	sub, err := conn.ReadMessage()
	if err != nil || sub.Kind != jaltransport.KindSubscribe {
		d.log.Warn("jaldaemon: protocol violation, expected subscribe", "err", err)
		return
	}
	mode := jalsession.ModeArchive
	if sub.Get(jaltransport.HeaderMode) == "live" {
		mode = jalsession.ModeLive
	}

	localRole := jalsession.RolePublisher
	if remoteRole == jalsession.RolePublisher {
		localRole = jalsession.RoleSubscriber
	}

	sess := jalsession.New(d.stores[rt], rt, host, localRole, mode, algo, encoding, d.cfg.PendingDigestMax, d.log)
	machine := jalproto.New(d.log)
	if r := machine.Initialize(sess); r.Action == jalproto.CloseError {
		return
	}
	if r := machine.AwaitSubscribe(); r.Action == jalproto.CloseError {
		return
	}
	var liveCursor jalrecord.Timestamp
	if mode == jalsession.ModeLive {
		liveCursor = jalrecord.Timestamp(sub.Get(jaltransport.HeaderTimestamp))
	}
	if r := machine.OnSubscribe(ctx, mode, liveCursor); r.Action == jalproto.CloseError {
		d.log.Warn("jaldaemon: failed to start session", "err", r.Err)
		return
	}

	d.registerSession(rt, host, sess)
	defer d.unregisterSession(rt, host)

	if localRole == jalsession.RolePublisher {
		d.runPublisher(ctx, sess, machine, conn, rt, host)
		return
	}
	d.runSubscriber(ctx, sess, machine, conn, rt, host)
}

// runPublisher drives the send side (jalpublish.Loop, over conn) and, on a
// second goroutine bound to the same connection, the digest/sync feedback
// the peer sends back for records already on the wire. The feedback reader
// is left running past Run's return — it exits once handleConn's deferred
// conn.Close unblocks its pending read.
func (d *Daemon) runPublisher(ctx context.Context, sess *jalsession.Session, machine *jalproto.Machine, conn *jaltransport.Conn, rt jalrecord.Type, remote string) {
	sender := meteredSender{Conn: conn, counter: d.metrics.RecordsSent.WithLabelValues(rt.String(), remote)}
	loop, err := jalpublish.New(sess, machine, sender, jalpublish.Config{
		Boundary:         jaltransport.DefaultBoundary,
		PollInterval:     d.cfg.PollTimeDuration(),
		PendingDigestMax: d.cfg.PendingDigestMax,
	}, d.log)
	if err != nil {
		d.log.Error("jaldaemon: could not start publisher loop", "err", err)
		return
	}

	go d.readPublisherFeedback(ctx, machine, conn, remote)

	if err := loop.Run(ctx); err != nil {
		d.log.Warn("jaldaemon: publisher loop ended", "remote", remote, "record_type", rt, "err", err)
		return
	}
	_ = conn.WriteMessage(jaltransport.Message{Kind: jaltransport.KindFinish})
}

// readPublisherFeedback applies the peer's digest and sync messages to the
// protocol machine, and answers each digest with a digest-response, the
// publisher-side half of spec.md section 4.3's Streaming state.
func (d *Daemon) readPublisherFeedback(ctx context.Context, machine *jalproto.Machine, conn *jaltransport.Conn, remote string) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			machine.OnDisconnect(err)
			return
		}
		switch msg.Kind {
		case jaltransport.KindDigest:
			nonceBytes, err := hex.DecodeString(msg.Get(jaltransport.HeaderNonce))
			if err != nil {
				continue
			}
			peerDigest, err := hex.DecodeString(msg.Get(jaltransport.HeaderDigest))
			if err != nil {
				continue
			}
			if r := machine.OnDigest(ctx, jalrecord.Nonce(nonceBytes), peerDigest); r.Action == jalproto.CloseError {
				return
			}
			_ = conn.WriteMessage(jaltransport.Message{
				Kind: jaltransport.KindDigestResponse,
				Headers: map[string]string{
					jaltransport.HeaderNonce:  msg.Get(jaltransport.HeaderNonce),
					jaltransport.HeaderStatus: "confirmed",
				},
			})
		case jaltransport.KindSync:
			nonceBytes, err := hex.DecodeString(msg.Get(jaltransport.HeaderNonce))
			if err != nil {
				continue
			}
			if r := machine.OnSync(ctx, jalrecord.Nonce(nonceBytes)); r.Action == jalproto.CloseError {
				return
			}
		default:
			d.log.Warn("jaldaemon: unexpected message kind while publishing", "kind", msg.Kind, "remote", remote)
		}
	}
}

// runSubscriber drives the receive side: incoming record frames are
// stored and digest-confirmed back to the peer; digest-response and
// finish are applied to the session and protocol machine.
func (d *Daemon) runSubscriber(ctx context.Context, sess *jalsession.Session, machine *jalproto.Machine, conn *jaltransport.Conn, rt jalrecord.Type, remote string) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			machine.OnDisconnect(err)
			return
		}
		switch msg.Kind {
		case jaltransport.KindRecord:
			received, err := conn.ReceiveRecord(ctx, jaltransport.DefaultBoundary, sess.DigestAlgorithm())
			if err != nil {
				d.log.Warn("jaldaemon: failed to receive record", "remote", remote, "err", err)
				machine.OnDisconnect(err)
				return
			}
			if _, err := d.stores[rt].Insert(ctx, received.Record); err != nil {
				d.log.Error("jaldaemon: failed to store received record", "remote", remote, "err", err)
				continue
			}
			d.metrics.RecordsInserted.WithLabelValues(rt.String()).Inc()
			_ = conn.WriteMessage(jaltransport.Message{
				Kind: jaltransport.KindDigest,
				Headers: map[string]string{
					jaltransport.HeaderNonce:  received.SenderNonce.String(),
					jaltransport.HeaderDigest: hex.EncodeToString(received.Digest),
				},
			})
		case jaltransport.KindDigestResponse:
			nonceBytes, err := hex.DecodeString(msg.Get(jaltransport.HeaderNonce))
			if err != nil {
				continue
			}
			if r := machine.OnDigestResponse(jalrecord.Nonce(nonceBytes), msg.Get(jaltransport.HeaderStatus) == "confirmed"); r.Action == jalproto.CloseError {
				return
			}
		case jaltransport.KindSync:
			nonceBytes, err := hex.DecodeString(msg.Get(jaltransport.HeaderNonce))
			if err != nil {
				continue
			}
			if r := machine.OnSync(ctx, jalrecord.Nonce(nonceBytes)); r.Action == jalproto.CloseError {
				d.log.Warn("jaldaemon: on-sync failed", "remote", remote, "err", r.Err)
				return
			}
		case jaltransport.KindFinish:
			// The peer (publisher) has no more candidates. LocalFinish's
			// Streaming->Draining transition applies the same way whether
			// triggered by our own exhausted candidate list or by the
			// peer telling us there won't be one.
			machine.LocalFinish()
			for {
				r := machine.Tick()
				if r.Action != jalproto.Continue {
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		default:
			d.log.Warn("jaldaemon: unexpected message kind while subscribing", "kind", msg.Kind)
		}
	}
}

// meteredSender wraps a *jaltransport.Conn so each completed record send
// increments the RecordsSent counter, the one metrics hook SPEC_FULL.md
// names that jalpublish.Loop has no event of its own to report through.
type meteredSender struct {
	*jaltransport.Conn
	counter prometheus.Counter
}

func (s meteredSender) Send(ctx context.Context, nonce jalrecord.Nonce, f *jalfeed.Feeder) error {
	if err := s.Conn.Send(ctx, nonce, f); err != nil {
		return err
	}
	s.counter.Inc()
	return nil
}

func nack(reason string) jaltransport.Message {
	return jaltransport.Message{Kind: jaltransport.KindInitializeNack, Headers: map[string]string{jaltransport.HeaderReason: reason}}
}

func parseRecordType(s string) (jalrecord.Type, bool) {
	for _, t := range jalrecord.AllTypes {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

func parseRole(s string) (jalsession.Role, bool) {
	switch s {
	case "publisher":
		return jalsession.RolePublisher, true
	case "subscriber":
		return jalsession.RoleSubscriber, true
	default:
		return 0, false
	}
}

func parseEncoding(s string) jalsession.Encoding {
	if s == "exi" {
		return jalsession.EncodingEXI
	}
	return jalsession.EncodingXML
}
