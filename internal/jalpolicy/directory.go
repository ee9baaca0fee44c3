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

// Package jalpolicy is the peer policy directory spec.md section 4.6
// describes: a mapping from hostname or IP to the pair of record-type
// bitmasks that govern what a remote may push to, or pull from, this
// daemon.
package jalpolicy

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/rs/dnscache"

	"github.com/jalop-project/jald/internal/jalerr"
	"github.com/jalop-project/jald/internal/jalrecord"
	"github.com/jalop-project/jald/internal/jalsession"
)

// Allow is a bitmask over jalrecord.Type.
type Allow uint8

func bitFor(t jalrecord.Type) Allow { return 1 << Allow(t) }

func (a Allow) Has(t jalrecord.Type) bool { return a&bitFor(t) != 0 }

// AllowFromTypes builds a mask from an explicit list, the shape a TOML
// config list of type names decodes into.
func AllowFromTypes(types []jalrecord.Type) Allow {
	var a Allow
	for _, t := range types {
		a |= bitFor(t)
	}
	return a
}

// Entry is one configured peer: the hostnames it is known by, and the two
// masks spec.md section 4.6 names.
type Entry struct {
	Hosts          []string
	PublishAllow   Allow
	SubscribeAllow Allow
}

// Authorized checks the (role, record-type) bit spec.md section 4.6
// requires: a remote connecting as a publisher (it pushes to us) is
// checked against PublishAllow; a remote connecting as a subscriber (it
// pulls from us) is checked against SubscribeAllow.
func (e Entry) Authorized(remoteRole jalsession.Role, t jalrecord.Type) bool {
	if remoteRole == jalsession.RolePublisher {
		return e.PublishAllow.Has(t)
	}
	return e.SubscribeAllow.Has(t)
}

// Directory resolves a connecting peer to an Entry and answers the
// connect-request authorization check.
type Directory struct {
	mu       sync.RWMutex
	byHost   map[string]Entry
	byIP     map[string]Entry
	resolver *dnscache.Resolver
	log      log.Logger
}

// NewDirectory builds a Directory from entries and performs the initial
// hostname-to-IP resolution pass.
func NewDirectory(ctx context.Context, entries []Entry, lg log.Logger) *Directory {
	d := &Directory{
		resolver: &dnscache.Resolver{},
		log:      lg,
	}
	d.Reload(ctx, entries)
	return d
}

// Reload replaces the configured entry set and re-resolves every
// hostname's IPs, per spec.md section 2.4's supplement: sessions already
// in Streaming keep whatever role/mode they were granted, only future
// Lookup calls see the new table.
func (d *Directory) Reload(ctx context.Context, entries []Entry) {
	d.resolver.Refresh(false)
	byHost := make(map[string]Entry, len(entries))
	byIP := make(map[string]Entry, len(entries))
	for _, e := range entries {
		for _, h := range e.Hosts {
			key := strings.ToLower(h)
			byHost[key] = e
			ips, err := d.resolver.LookupHost(ctx, h)
			if err != nil {
				d.log.Warn("jalpolicy: could not resolve peer hostname", "host", h, "err", err)
				continue
			}
			for _, ip := range ips {
				byIP[ip] = e
			}
		}
	}
	d.mu.Lock()
	d.byHost, d.byIP = byHost, byIP
	d.mu.Unlock()
}

// Lookup tries hostname first, then IP, per spec.md section 4.6's exact
// wording. Either of hostname or ip may be empty (e.g. no TLS SNI/CN was
// presented). A miss on both is a reject.
func (d *Directory) Lookup(hostname, ip string) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if hostname != "" {
		if e, ok := d.byHost[strings.ToLower(hostname)]; ok {
			return e, nil
		}
	}
	if ip != "" {
		if e, ok := d.byIP[ip]; ok {
			return e, nil
		}
	}
	return Entry{}, jalerr.New(jalerr.KindInvalid, "jalpolicy.Lookup", "no policy entry for remote host or IP")
}

// Refresh periodically re-resolves hostnames in the background so DNS
// changes (a peer's IP moving) are picked up without a config reload,
// the same "cache with a bounded refresh" idiom rs/dnscache is designed
// for.
func (d *Directory) Refresh(ctx context.Context, interval time.Duration, entries func() []Entry) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Reload(ctx, entries())
		}
	}
}
