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

// Package jalkv is the storage-schema layer, built the way
// erigon-lib/kv/tables.go names and flags its buckets: every table this
// module ever opens is named here, once, with its DupSort/ordering flags,
// rather than scattered across callers as string literals.
package jalkv

import "fmt"

// TableFlags mirror the MDBX flags a table is opened with. DupSort tables
// allow multiple values per key, sorted — exactly what the six secondary
// indices in spec.md section 3 need (several records can share a
// timestamp, a sent flag, a confirmed flag, ...).
type TableFlags uint

const (
	Default TableFlags = 0x00
	DupSort TableFlags = 0x04
)

// TableCfgItem describes one table's storage flags.
type TableCfgItem struct {
	Flags TableFlags
}

// TableCfg is a named set of tables, analogous to erigon-lib/kv's
// ChaindataTablesCfg.
type TableCfg map[string]TableCfgItem

// Per-record-type table names. Every record type gets its own instance of
// all nine tables (spec.md section 6): "Primary" holds the serialised
// record; the next six are the secondary indices; "Watermark" and "Meta"
// are the bookkeeping tables.
const (
	TblPrimary         = "Primary"         // nonce -> serialised record
	TblTimestamp       = "TimestampIdx"    // timestamp -> nonce (dup)
	TblNonceTimestamp  = "NonceTimeIdx"    // nonce prefix -> timestamp (dup)
	TblRecordUUID      = "RecordUUIDIdx"   // record UUID -> nonce (dup)
	TblSentFlag        = "SentFlagIdx"     // sent(0/1) -> nonce (dup)
	TblConfirmedFlag   = "ConfirmedFlagIdx" // confirmed(0/1) -> nonce (dup)
	TblNetworkNonce    = "NetworkNonceIdx" // network nonce -> nonce (dup)
	TblMeta            = "Meta"            // counters: max nonce
	TblWatermark       = "ConfirmationWatermark" // remote host -> greatest confirmed nonce
)

// RecordTypeTables returns the nine table names scoped to one record type.
// Tables are namespaced by a "<type>:" prefix so a single MDBX environment
// can host all three record families the way erigon hosts many logical
// tables in one chaindata environment.
func RecordTypeTables(recordType string) []string {
	names := []string{
		TblPrimary, TblTimestamp, TblNonceTimestamp, TblRecordUUID,
		TblSentFlag, TblConfirmedFlag, TblNetworkNonce, TblMeta, TblWatermark,
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = Namespace(recordType, n)
	}
	return out
}

// Namespace joins a record type and a bare table name into the string MDBX
// sees as the table/sub-database name.
func Namespace(recordType, table string) string {
	return fmt.Sprintf("%s:%s", recordType, table)
}

// SchemaFor builds the TableCfg for one record type: every index table is
// DupSort, the primary/meta/watermark tables are not.
func SchemaFor(recordType string) TableCfg {
	cfg := TableCfg{}
	cfg[Namespace(recordType, TblPrimary)] = TableCfgItem{Flags: Default}
	cfg[Namespace(recordType, TblTimestamp)] = TableCfgItem{Flags: DupSort}
	cfg[Namespace(recordType, TblNonceTimestamp)] = TableCfgItem{Flags: DupSort}
	cfg[Namespace(recordType, TblRecordUUID)] = TableCfgItem{Flags: DupSort}
	cfg[Namespace(recordType, TblSentFlag)] = TableCfgItem{Flags: DupSort}
	cfg[Namespace(recordType, TblConfirmedFlag)] = TableCfgItem{Flags: DupSort}
	cfg[Namespace(recordType, TblNetworkNonce)] = TableCfgItem{Flags: DupSort}
	cfg[Namespace(recordType, TblMeta)] = TableCfgItem{Flags: Default}
	cfg[Namespace(recordType, TblWatermark)] = TableCfgItem{Flags: Default}
	return cfg
}

// FullSchema unions SchemaFor across every configured record type — this is
// what is handed to the MDBX environment at open time, the same role
// erigon-lib/kv's ChaindataTablesCfg plays for chaindata.
func FullSchema(recordTypes []string) TableCfg {
	full := TableCfg{}
	for _, rt := range recordTypes {
		for name, item := range SchemaFor(rt) {
			full[name] = item
		}
	}
	return full
}

// MetaMaxNonceKey is the key inside TblMeta holding the current maximum
// nonce for a record type, maintained transactionally alongside the
// primary insert.
var MetaMaxNonceKey = []byte("max_nonce")

// FlagTrue / FlagFalse are the single-byte values used as keys in the
// sent/confirmed dup-sorted flag indices (spec.md section 3).
var (
	FlagTrue  = []byte{0x01}
	FlagFalse = []byte{0x00}
)

func FlagKey(b bool) []byte {
	if b {
		return FlagTrue
	}
	return FlagFalse
}
