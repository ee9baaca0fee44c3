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

// Package jalproto is the protocol state machine spec.md section 4.3
// describes: Idle -> Initialising -> Awaiting-Subscribe -> Streaming ->
// Draining -> Closed, driving one jalsession.Session with inbound peer
// messages. Every transition returns a Result rather than unwinding an
// exception, per spec.md section 9's "explicit sum-type returns" note.
package jalproto

import (
	"context"
	"sync"

	log "github.com/erigontech/erigon-lib/log/v3"

	"github.com/jalop-project/jald/internal/jalerr"
	"github.com/jalop-project/jald/internal/jalrecord"
	"github.com/jalop-project/jald/internal/jalsession"
)

type State int

const (
	StateIdle State = iota
	StateInitialising
	StateAwaitingSubscribe
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialising:
		return "initialising"
	case StateAwaitingSubscribe:
		return "awaiting-subscribe"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Action is what the caller must do after a transition.
type Action int

const (
	Continue Action = iota
	CloseClean
	CloseError
)

// Result is the outcome of driving one message or tick through the
// machine. ErrKind is only meaningful when Action is CloseError.
type Result struct {
	Action  Action
	ErrKind jalerr.Kind
	Err     error
}

func continueResult() Result { return Result{Action: Continue} }

func closeClean() Result { return Result{Action: CloseClean} }

func closeErr(kind jalerr.Kind, err error) Result {
	return Result{Action: CloseError, ErrKind: kind, Err: err}
}

// Machine drives one Session through its protocol lifecycle. Its state is
// guarded by mu, so the publisher loop and the goroutine reading peer
// messages may call it concurrently.
type Machine struct {
	mu    sync.Mutex
	state State
	sess  *jalsession.Session
	log   log.Logger
}

func New(lg log.Logger) *Machine {
	return &Machine{state: StateIdle, log: lg}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize completes the Idle -> Initialising transition: the peer has
// proposed (role, record-type, digest-list, encoding-list) and the caller
// has already negotiated a concrete session (selecting one digest and one
// encoding, per spec.md section 4.3) and built it. A nil session means
// negotiation failed and the caller should send initialize-nack and close.
func (m *Machine) Initialize(sess *jalsession.Session) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return m.violationLocked("initialize received outside Idle")
	}
	if sess == nil {
		m.state = StateClosed
		return closeErr(jalerr.KindProtocolViolation, nil)
	}
	m.sess = sess
	m.state = StateInitialising
	return continueResult()
}

// AwaitSubscribe completes Initialising -> Awaiting-Subscribe: the peer
// was accepted (initialize-ack sent) and the machine now waits for their
// subscribe message.
func (m *Machine) AwaitSubscribe() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInitialising {
		return m.violationLocked("initialize-ack issued outside Initialising")
	}
	m.state = StateAwaitingSubscribe
	return continueResult()
}

// OnSubscribe handles the peer's subscribe message, completing
// Awaiting-Subscribe -> Streaming. liveCursor is only consulted when mode
// is live and it is non-empty.
func (m *Machine) OnSubscribe(ctx context.Context, mode jalsession.Mode, liveCursor jalrecord.Timestamp) Result {
	m.mu.Lock()
	if m.state != StateAwaitingSubscribe {
		r := m.violationLocked("subscribe received outside Awaiting-Subscribe")
		m.mu.Unlock()
		return r
	}
	sess := m.sess
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		return m.fail(jalerr.KindStore, err)
	}
	if mode == jalsession.ModeLive && liveCursor != "" {
		sess.ResumeLiveCursor(liveCursor)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateStreaming
	return continueResult()
}

// OnDigest handles an inbound digest(nonce, peer_digest) message. A
// mismatch is logged and reported but does not close the session, per
// spec.md section 4.3.
func (m *Machine) OnDigest(ctx context.Context, nonce jalrecord.Nonce, peerDigest []byte) Result {
	sess, ok := m.streamingSession()
	if !ok {
		return m.violation("digest received outside Streaming/Draining")
	}
	if _, err := sess.OnDigest(ctx, nonce, peerDigest); err != nil {
		return m.fail(jalerr.KindStore, err)
	}
	return continueResult()
}

// OnDigestResponse handles an inbound digest-response message.
func (m *Machine) OnDigestResponse(nonce jalrecord.Nonce, accepted bool) Result {
	sess, ok := m.streamingSession()
	if !ok {
		return m.violation("digest-response received outside Streaming/Draining")
	}
	sess.OnDigestResponse(nonce, accepted)
	return continueResult()
}

// OnSync handles an inbound sync(nonce) message, archive mode only —
// ignored in live mode per spec.md section 9.
func (m *Machine) OnSync(ctx context.Context, nonce jalrecord.Nonce) Result {
	sess, ok := m.streamingSession()
	if !ok {
		return m.violation("sync received outside Streaming/Draining")
	}
	if err := sess.OnSync(ctx, nonce); err != nil {
		return m.fail(jalerr.KindStore, err)
	}
	return continueResult()
}

// LocalFinish is called by the publisher loop (not the peer) once no more
// candidate records remain: Streaming -> Draining.
func (m *Machine) LocalFinish() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStreaming {
		return m.violationLocked("local finish issued outside Streaming")
	}
	m.sess.Finish()
	m.state = StateDraining
	return continueResult()
}

// Tick checks whether a Draining session has resolved every pending
// digest and can close cleanly. It is a no-op (Continue) in any
// other state.
func (m *Machine) Tick() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDraining {
		return continueResult()
	}
	if m.sess.Drained() {
		m.state = StateClosed
		return closeClean()
	}
	return continueResult()
}

// OnDisconnect handles a transport-level disconnect or fatal I/O error:
// any state -> Closed, per spec.md section 4.3.
func (m *Machine) OnDisconnect(cause error) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		m.sess.Abort(cause)
	}
	m.state = StateClosed
	return closeErr(jalerr.KindDisconnected, cause)
}

func (m *Machine) streamingSession() (*jalsession.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStreaming && m.state != StateDraining {
		return nil, false
	}
	return m.sess, true
}

func (m *Machine) violation(reason string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violationLocked(reason)
}

func (m *Machine) violationLocked(reason string) Result {
	if m.sess != nil {
		m.sess.Abort(nil)
	}
	m.log.Warn("protocol violation", "state", m.state.String(), "reason", reason)
	m.state = StateClosed
	return closeErr(jalerr.KindProtocolViolation, jalerr.New(jalerr.KindProtocolViolation, "jalproto", reason))
}

func (m *Machine) fail(kind jalerr.Kind, cause error) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		m.sess.Abort(cause)
	}
	m.state = StateClosed
	return closeErr(kind, cause)
}
