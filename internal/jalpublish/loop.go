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

// Package jalpublish is the publisher worker loop spec.md section 4.3's
// "Archive vs live selection" paragraph describes: a per-session goroutine
// that repeatedly selects a candidate record, feeds it to the transport,
// and records the send, until the session is told to drain.
package jalpublish

import (
	"context"
	"errors"
	"time"

	log "github.com/erigontech/erigon-lib/log/v3"
	"golang.org/x/time/rate"

	"github.com/jalop-project/jald/internal/jaldigest"
	"github.com/jalop-project/jald/internal/jalerr"
	"github.com/jalop-project/jald/internal/jalfeed"
	"github.com/jalop-project/jald/internal/jalproto"
	"github.com/jalop-project/jald/internal/jalrecord"
	"github.com/jalop-project/jald/internal/jalsession"
)

// Sender drains a Feeder over the session's transport connection, returning
// once the whole record has been framed onto the wire; the loop then reads
// the payload digest from the Feeder itself. Supplied
// by the caller (jaldaemon wires this to the real jaltransport.Conn); kept
// as an interface here so this loop is testable without a socket.
type Sender interface {
	Send(ctx context.Context, nonce jalrecord.Nonce, f *jalfeed.Feeder) error
}

// Config tunes the loop's pacing.
type Config struct {
	// Boundary is the separator byte sequence the feeder emits between
	// phases, negotiated once per transport connection.
	Boundary []byte
	// PollInterval is how long the loop sleeps between NextUnsynced
	// attempts when the archive-mode store is currently empty, per
	// spec.md section 4.3's "block briefly ... when the store is empty."
	PollInterval time.Duration
	// PendingDigestMax bounds the outstanding unconfirmed-digest list;
	// the loop's send-rate limiter is sized against it so the publisher
	// never races far ahead of the peer's digest confirmations.
	PendingDigestMax int
}

// Loop drives one session's record selection, transmission and
// bookkeeping until the session drains or a fatal error occurs.
type Loop struct {
	sess    *jalsession.Session
	machine *jalproto.Machine
	sender  Sender
	cfg     Config
	limiter *rate.Limiter
	log     log.Logger
}

func New(sess *jalsession.Session, machine *jalproto.Machine, sender Sender, cfg Config, lg log.Logger) (*Loop, error) {
	if sender == nil {
		return nil, errNilSender
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	burst := cfg.PendingDigestMax
	if burst <= 0 {
		burst = 1
	}
	return &Loop{
		sess:    sess,
		machine: machine,
		sender:  sender,
		cfg:     cfg,
		// Allow PendingDigestMax sends per second, with a burst of the same
		// size; the PendingFull check in Run is what bounds unconfirmed sends.
		limiter: rate.NewLimiter(rate.Limit(burst), burst),
		log:     lg,
	}, nil
}

// Run blocks until the session closes (clean or error) or ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.sess.Errored() {
			return jalerr.New(jalerr.KindStore, "jalpublish.Run", "session errored")
		}
		if l.sess.Closing() {
			break
		}
		if l.sess.PendingFull() {
			if err := sleep(ctx, l.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}

		nonce, rec, err := l.sess.Candidate(ctx)
		if err != nil {
			kind, ok := jalerr.KindOf(err)
			if ok && kind == jalerr.KindNotFound {
				l.log.Debug("no candidate record, polling", "interval", l.cfg.PollInterval)
				if err := sleep(ctx, l.cfg.PollInterval); err != nil {
					return err
				}
				continue
			}
			return err
		}

		if err := l.sendOne(ctx, nonce, rec); err != nil {
			return err
		}
	}

	if r := l.machine.LocalFinish(); r.Action == jalproto.CloseError {
		return r.Err
	}
	for {
		r := l.machine.Tick()
		switch r.Action {
		case jalproto.CloseClean:
			return nil
		case jalproto.CloseError:
			return r.Err
		}
		if err := sleep(ctx, l.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (l *Loop) sendOne(ctx context.Context, nonce jalrecord.Nonce, rec *jalrecord.Record) error {
	digest := jaldigest.Create(l.sess.DigestAlgorithm())
	feeder, err := jalfeed.New(rec, nonce, l.cfg.Boundary, digest, 0, nil)
	if err != nil {
		return err
	}
	if err := l.sender.Send(ctx, nonce, feeder); err != nil {
		return err
	}
	payloadDigest, n, ok := feeder.PayloadDigest()
	if !ok {
		return jalerr.New(jalerr.KindInvalid, "jalpublish.sendOne", "feeder did not complete the payload phase")
	}
	l.log.Debug("sent record", "nonce", nonce.String(), "payload_bytes", n)
	return l.sess.RecordSent(ctx, nonce, payloadDigest)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errNilSender = errors.New("jalpublish: sender must not be nil")
