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

package jalrecord

import (
	"github.com/google/uuid"
)

// Type is one of the three record families this system transports.
type Type uint8

const (
	TypeJournal Type = iota
	TypeAudit
	TypeLog
)

func (t Type) String() string {
	switch t {
	case TypeJournal:
		return "journal"
	case TypeAudit:
		return "audit"
	case TypeLog:
		return "log"
	default:
		return "unknown"
	}
}

// AllTypes enumerates every record family, used to size per-type
// structures (registries, table sets) without repeating the
// list by hand at each call site.
var AllTypes = [...]Type{TypeJournal, TypeAudit, TypeLog}

// Record is the atomic unit of storage and transmission: system metadata
// plus optional application metadata, optional payload, and the three
// delivery flags. Content fields are frozen once a Record is committed to
// the store — only Sent, Synced, Confirmed and NetworkNonce mutate after
// insert, per spec.md section 3's "Mutate" lifecycle rule.
type Record struct {
	Type Type

	HostUUID   uuid.UUID
	RecordUUID uuid.UUID
	ProcessID  int64

	// UserID is optional; a nil pointer means "not supplied" rather than 0.
	UserID *int64

	Hostname string
	Time     Timestamp

	// Username and SecurityLabel are optional per spec.md section 3.
	Username      string
	SecurityLabel string

	Version int

	// SystemMetadata is mandatory for every record.
	SystemMetadata Segment
	// ApplicationMetadata is optional.
	ApplicationMetadata Segment
	// Payload is mandatory for journal/audit, optional for log, per
	// spec.md section 3.
	Payload Segment

	Sent      bool
	Synced    bool
	Confirmed bool

	// NetworkNonce is the nonce this record carried on an upstream
	// publisher, if it arrived over the network rather than from a local
	// producer. Used to resume streams idempotently (spec.md section 4.3,
	// "Journal resume").
	NetworkNonce Nonce
}

// Validate enforces the invariants spec.md section 3 states as preconditions
// for insert: mandatory system metadata, and a mandatory payload for
// journal/audit records.
func (r *Record) Validate() error {
	if r.SystemMetadata.Empty() {
		return errMissingSystemMetadata
	}
	switch r.Type {
	case TypeJournal, TypeAudit:
		if r.Payload.Empty() {
			return errMissingPayload
		}
	}
	if r.Version == 0 {
		r.Version = 1
	}
	return nil
}

// CheckFlagTransition rejects any combination that would violate
// synced⇒confirmed⇒sent, the invariant spec.md section 3 requires to hold
// at all times. It is called before any of the three flags is persisted.
func CheckFlagTransition(sent, confirmed, synced bool) bool {
	if synced && !confirmed {
		return false
	}
	if confirmed && !sent {
		return false
	}
	return true
}

var (
	errMissingSystemMetadata = recordError("system metadata is required")
	errMissingPayload        = recordError("payload is required for this record type")
)

type recordError string

func (e recordError) Error() string { return string(e) }
