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

// Package jalsession holds the per-(peer, record-type) conversation state
// spec.md section 4.2 describes, and the operations the protocol state
// machine in jalproto drives it with.
package jalsession

import (
	"bytes"
	"context"
	"sync"

	log "github.com/erigontech/erigon-lib/log/v3"

	"github.com/jalop-project/jald/internal/jaldigest"
	"github.com/jalop-project/jald/internal/jalerr"
	"github.com/jalop-project/jald/internal/jalrecord"
	"github.com/jalop-project/jald/internal/jalstore"
)

type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

func (r Role) String() string {
	if r == RoleSubscriber {
		return "subscriber"
	}
	return "publisher"
}

type Mode int

const (
	ModeArchive Mode = iota
	ModeLive
)

func (m Mode) String() string {
	if m == ModeLive {
		return "live"
	}
	return "archive"
}

type Encoding int

const (
	EncodingXML Encoding = iota
	EncodingEXI
)

// pendingDigest is one (nonce, local digest) entry awaiting peer
// confirmation, kept in send order — the ordered list spec.md section 4.2
// names.
type pendingDigest struct {
	nonce  jalrecord.Nonce
	digest []byte
}

// Session is the state spec.md section 4.2 lists, bound to one peer and
// one record type for the lifetime of one connection.
type Session struct {
	mu sync.Mutex

	store      *jalstore.Store
	recordType jalrecord.Type
	remoteHost string

	role     Role
	mode     Mode
	encoding Encoding
	digest   jaldigest.Algorithm

	cursor jalrecord.Timestamp // live mode only

	pending          []pendingDigest
	pendingDigestMax int

	sentSeq uint64

	errored bool
	closing bool

	log log.Logger
}

// New constructs a Session. digest and encoding are the values already
// negotiated during the Initialising state; New does not perform
// negotiation itself.
func New(store *jalstore.Store, recordType jalrecord.Type, remoteHost string, role Role, mode Mode, digest jaldigest.Algorithm, encoding Encoding, pendingDigestMax int, lg log.Logger) *Session {
	if pendingDigestMax <= 0 {
		pendingDigestMax = 1
	}
	return &Session{
		store:            store,
		recordType:       recordType,
		remoteHost:       remoteHost,
		role:             role,
		mode:             mode,
		digest:           digest,
		encoding:         encoding,
		pendingDigestMax: pendingDigestMax,
		log:              lg.New("record_type", recordType.String(), "remote", remoteHost, "role", role.String(), "mode", mode.String()),
	}
}

// Start runs the one-time setup for a new session, per spec.md section
// 4.1: "mark_unsynced_unsent ... called once at the start of every new
// archive-mode session to undo any tentative markings left behind by a
// crashed previous session." Live mode instead seeds the timestamp cursor
// at "now", spec.md section 4.2's initial value for a fresh subscribe.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeArchive && s.role == RolePublisher {
		n, err := s.store.MarkUnsyncedUnsent(ctx)
		if err != nil {
			return err
		}
		s.log.Info("reset crashed-session send markers", "count", n)
		return nil
	}
	if s.mode == ModeLive {
		s.cursor = jalrecord.Now()
	}
	return nil
}

// ResumeLiveCursor overrides the live-mode cursor with a subscribe-supplied
// timestamp, used when the peer's subscribe carries an explicit starting
// point instead of "now".
func (s *Session) ResumeLiveCursor(ts jalrecord.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = ts
}

// PendingFull reports whether the pending-digest list has reached its
// configured ceiling, the backpressure signal jalpublish.Loop rate-shapes
// transmission against.
func (s *Session) PendingFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) >= s.pendingDigestMax
}

// Candidate is the next record selection per spec.md section 4.3's
// archive-vs-live policy: archive walks next_unsynced, live walks
// next_chronological with the session's running cursor.
func (s *Session) Candidate(ctx context.Context) (jalrecord.Nonce, *jalrecord.Record, error) {
	s.mu.Lock()
	closing, errored, mode := s.closing, s.errored, s.mode
	s.mu.Unlock()
	if errored {
		return nil, nil, jalerr.New(jalerr.KindInvalid, "jalsession.Candidate", "session is errored")
	}
	if closing {
		return nil, nil, jalerr.New(jalerr.KindNotFound, "jalsession.Candidate", "session is draining, no new candidates")
	}
	if mode == ModeArchive {
		return s.store.NextUnsynced(ctx)
	}
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()
	nonce, rec, err := s.store.NextChronological(ctx, &cursor)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()
	return nonce, rec, nil
}

// RecordSent is called once a record's feeder has fully drained: for
// archive mode it marks the record sent (spec.md section 4.3: "marked
// sent=true after successful transmission, not before"), and in both
// modes it enqueues the transmitted digest for peer confirmation.
func (s *Session) RecordSent(ctx context.Context, nonce jalrecord.Nonce, localDigest []byte) error {
	if s.mode == ModeArchive {
		if err := s.store.MarkSent(ctx, nonce, true); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingDigest{nonce: nonce.Clone(), digest: append([]byte(nil), localDigest...)})
	s.sentSeq++
	return nil
}

// DigestOutcome is the result of comparing a peer-reported digest to the
// locally recorded one.
type DigestOutcome int

const (
	DigestConfirmed DigestOutcome = iota
	DigestMismatch
	DigestUnknownNonce
)

// OnDigest handles an incoming digest(nonce, peer_digest) message, per
// spec.md section 4.3: a match confirms the record; a mismatch or unknown
// nonce clears the record's sent flag so the next archive pass re-sends
// it. Either outcome is reported to the caller for logging — per spec.md
// section 4.3, "digest mismatch is not a session-fatal error."
func (s *Session) OnDigest(ctx context.Context, nonce jalrecord.Nonce, peerDigest []byte) (DigestOutcome, error) {
	s.mu.Lock()
	idx := -1
	for i, p := range s.pending {
		if p.nonce.Equal(nonce) {
			idx = i
			break
		}
	}
	var local pendingDigest
	if idx >= 0 {
		local = s.pending[idx]
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	}
	s.mu.Unlock()

	if idx < 0 {
		if s.mode == ModeArchive {
			if err := s.store.MarkSent(ctx, nonce, false); err != nil {
				return DigestUnknownNonce, err
			}
		}
		s.log.Warn("digest for unknown or already-resolved nonce", "nonce", nonce.String())
		return DigestUnknownNonce, nil
	}

	if !bytes.Equal(local.digest, peerDigest) {
		if s.mode == ModeArchive {
			if err := s.store.MarkSent(ctx, nonce, false); err != nil {
				return DigestMismatch, err
			}
		}
		s.log.Warn("digest mismatch, record will be re-sent", "nonce", nonce.String())
		return DigestMismatch, nil
	}

	if err := s.store.MarkConfirmed(ctx, nonce, true); err != nil {
		return DigestMismatch, err
	}
	return DigestConfirmed, nil
}

// OnDigestResponse handles the subscriber-side digest-response message: an
// acknowledgement from the publisher that it accepted (or rejected) the
// digest this session previously sent back. accepted=false is treated the
// same as a mismatch on the publisher side — nothing more for the
// subscriber to do, since its own copy is already durably stored; it is
// surfaced purely for operator visibility.
func (s *Session) OnDigestResponse(nonce jalrecord.Nonce, accepted bool) {
	if !accepted {
		s.log.Warn("peer rejected digest-response", "nonce", nonce.String())
	}
}

// OnSync handles an incoming sync(nonce) message. Archive mode only; per
// spec.md section 9's decided open question, live mode accepts but
// ignores sync messages to preserve peer compatibility.
func (s *Session) OnSync(ctx context.Context, nonce jalrecord.Nonce) error {
	if s.mode == ModeLive {
		s.log.Debug("ignoring sync in live mode", "nonce", nonce.String())
		return nil
	}
	return s.store.MarkSynced(ctx, nonce)
}

// Finish transitions the session toward Draining: no more candidates are
// selected, but pending digests and syncs continue to be serviced.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
}

// Abort marks the session errored and closing, per spec.md section 9's
// "explicit sum-type return, not exceptions" rule — the caller (protocol
// state machine) is responsible for actually tearing down the connection.
func (s *Session) Abort(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errored = true
	s.closing = true
	if cause != nil {
		s.log.Error("session aborted", "err", cause)
	}
}

// Closing reports whether Finish or Abort has been called, so a publisher
// loop can stop requesting new candidates without relying on Candidate's
// error kind to disambiguate "draining" from "store temporarily empty".
func (s *Session) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing && len(s.pending) == 0
}

func (s *Session) Errored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

func (s *Session) DigestAlgorithm() jaldigest.Algorithm { return s.digest }
func (s *Session) RemoteHost() string                   { return s.remoteHost }
func (s *Session) RecordType() jalrecord.Type            { return s.recordType }
func (s *Session) Role() Role                            { return s.role }
func (s *Session) Mode() Mode                            { return s.mode }
