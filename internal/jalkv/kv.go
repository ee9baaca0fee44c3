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

package jalkv

import "context"

// Tx is a read-only view, the role erigon-lib/kv.Tx plays for callers like
// turbo/snapshotsync.WaitForDownloader. Readers may proceed concurrently
// with each other and with the single writer (spec.md section 5).
type Tx interface {
	GetOne(table string, key []byte) ([]byte, error)
	Cursor(table string) (Cursor, error)
	CursorDupSort(table string) (CursorDupSort, error)
	Commit() error
	Rollback()
}

// RwTx is a read-write transaction. Every mutation that touches more than
// one table in this module happens inside exactly one RwTx so the primary
// and its secondary indices commit or roll back together (spec.md
// section 4.1, "all operations that touch more than one index are
// transactional").
type RwTx interface {
	Tx
	Put(table string, key, value []byte) error
	Delete(table string, key []byte) error
	RwCursor(table string) (RwCursor, error)
	RwCursorDupSort(table string) (RwCursorDupSort, error)
}

// Cursor walks one table's keys in their stored (byte-lexicographic) order.
// Because Nonce's canonical encoding makes byte order equal numeric order,
// a plain cursor First/Next/Seek gives next_unsynced and next_chronological
// their "smallest key" semantics for free.
type Cursor interface {
	First() (k, v []byte, err error)
	Next() (k, v []byte, err error)
	Seek(key []byte) (k, v []byte, err error)
	Last() (k, v []byte, err error)
	Close()
}

// CursorDupSort additionally walks the duplicate values stored under one
// key, used by the six secondary indices (each index key — a timestamp, a
// flag, a UUID — may map to many nonces).
type CursorDupSort interface {
	Cursor
	FirstDup() (v []byte, err error)
	NextDup() (k, v []byte, err error)
	SeekBothExact(key, value []byte) (k, v []byte, err error)
	SeekBothRange(key, value []byte) (v []byte, err error)
}

type RwCursor interface {
	Cursor
	Put(k, v []byte) error
	Delete(k []byte) error
}

type RwCursorDupSort interface {
	RwCursor
	CursorDupSort
	PutNoDupData(k, v []byte) error
	DeleteExact(k, v []byte) error
	DeleteCurrentDup() error
}

// DB is the environment: it opens transactions against the schema it was
// configured with at startup.
type DB interface {
	View(ctx context.Context, f func(tx Tx) error) error
	Update(ctx context.Context, f func(tx RwTx) error) error
	Close() error
}
