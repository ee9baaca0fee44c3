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
	"crypto/tls"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/erigontech/erigon-lib/log/v3"
)

// Dialer makes outbound subscriber-initiated connections, retrying with
// exponential backoff the way erigon's own p2p dialer (and sentry client)
// retry a peer that is temporarily unreachable, rather than failing the
// session permanently on the first dropped connection.
type Dialer struct {
	TLSConfig  *tls.Config
	MaxElapsed time.Duration
	log        log.Logger
}

func NewDialer(tlsConfig *tls.Config, maxElapsed time.Duration, lg log.Logger) *Dialer {
	return &Dialer{TLSConfig: tlsConfig, MaxElapsed: maxElapsed, log: lg}
}

// Dial connects to addr, retrying transient failures until ctx is
// cancelled or MaxElapsed passes.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = d.MaxElapsed
	var conn *Conn
	op := func() error {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		var raw net.Conn
		var err error
		if d.TLSConfig != nil {
			raw, err = tls.DialWithDialer(dialer, "tcp", addr, d.TLSConfig)
		} else {
			raw, err = dialer.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			d.log.Warn("jaltransport: dial attempt failed, retrying", "addr", addr, "err", err)
			return err
		}
		conn = NewConn(raw)
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}
