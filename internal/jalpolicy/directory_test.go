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

package jalpolicy

import (
	"context"
	"testing"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/jalop-project/jald/internal/jalrecord"
	"github.com/jalop-project/jald/internal/jalsession"
)

func TestAllowFromTypesRoundTrips(t *testing.T) {
	a := AllowFromTypes([]jalrecord.Type{jalrecord.TypeAudit, jalrecord.TypeLog})
	require.True(t, a.Has(jalrecord.TypeAudit))
	require.True(t, a.Has(jalrecord.TypeLog))
	require.False(t, a.Has(jalrecord.TypeJournal))
}

func TestEntryAuthorizedChecksRoleSpecificMask(t *testing.T) {
	e := Entry{
		PublishAllow:   AllowFromTypes([]jalrecord.Type{jalrecord.TypeAudit}),
		SubscribeAllow: AllowFromTypes([]jalrecord.Type{jalrecord.TypeLog}),
	}
	require.True(t, e.Authorized(jalsession.RolePublisher, jalrecord.TypeAudit))
	require.False(t, e.Authorized(jalsession.RolePublisher, jalrecord.TypeLog))
	require.True(t, e.Authorized(jalsession.RoleSubscriber, jalrecord.TypeLog))
	require.False(t, e.Authorized(jalsession.RoleSubscriber, jalrecord.TypeAudit))
}

func TestLookupTriesHostnameBeforeIP(t *testing.T) {
	ctx := context.Background()
	hostEntry := Entry{Hosts: []string{"Peer.Example"}, PublishAllow: AllowFromTypes([]jalrecord.Type{jalrecord.TypeAudit})}
	dir := NewDirectory(ctx, []Entry{hostEntry}, log.New())

	// Case-insensitive hostname match, no IP needed.
	got, err := dir.Lookup("peer.example", "")
	require.NoError(t, err)
	require.Equal(t, hostEntry.PublishAllow, got.PublishAllow)

	// Unknown hostname and unresolved IP both miss: reject.
	_, err = dir.Lookup("unknown.example", "203.0.113.9")
	require.Error(t, err)
}

func TestReloadReplacesEntrySet(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(ctx, []Entry{{Hosts: []string{"old.example"}, PublishAllow: AllowFromTypes([]jalrecord.Type{jalrecord.TypeAudit})}}, log.New())

	_, err := dir.Lookup("old.example", "")
	require.NoError(t, err)

	dir.Reload(ctx, []Entry{{Hosts: []string{"new.example"}, SubscribeAllow: AllowFromTypes([]jalrecord.Type{jalrecord.TypeLog})}})

	_, err = dir.Lookup("old.example", "")
	require.Error(t, err)

	got, err := dir.Lookup("new.example", "")
	require.NoError(t, err)
	require.True(t, got.Authorized(jalsession.RoleSubscriber, jalrecord.TypeLog))
}
