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

// Package mdbxkv implements jalkv.DB on top of github.com/erigontech/mdbx-go,
// the same embedded engine erigon uses for chaindata. One environment backs
// all record types; jalkv.Namespace keeps their tables distinct.
package mdbxkv

import (
	"context"
	"fmt"
	"os"

	"github.com/erigontech/mdbx-go/mdbx"

	"github.com/jalop-project/jald/internal/jalkv"
)

type DB struct {
	env  *mdbx.Env
	dbis map[string]mdbx.DBI
}

// Open creates (or reopens) the MDBX environment at path with one
// sub-database per table in schema, mirroring how erigon-lib opens
// ChaindataTablesCfg against a single chaindata environment.
func Open(path string, schema jalkv.TableCfg) (*DB, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("mdbxkv: create db_root: %w", err)
	}
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("mdbxkv: new env: %w", err)
	}
	if err := env.SetOption(mdbx.OptMaxDB, uint64(len(schema)+4)); err != nil {
		return nil, fmt.Errorf("mdbxkv: set max dbs: %w", err)
	}
	if err := env.SetGeometry(-1, -1, 64*1024*1024*1024, -1, -1, 4096); err != nil {
		return nil, fmt.Errorf("mdbxkv: set geometry: %w", err)
	}
	if err := env.Open(path, mdbx.NoSubdir|mdbx.Coalesce|mdbx.LifoReclaim, 0o640); err != nil {
		return nil, fmt.Errorf("mdbxkv: open %s: %w", path, err)
	}

	d := &DB{env: env, dbis: make(map[string]mdbx.DBI, len(schema))}
	err = env.Update(func(txn *mdbx.Txn) error {
		for name, item := range schema {
			flags := uint(mdbx.Create)
			if item.Flags&jalkv.DupSort != 0 {
				flags |= uint(mdbx.DupSort)
			}
			dbi, err := txn.OpenDBISimple(name, flags)
			if err != nil {
				return fmt.Errorf("open table %s: %w", name, err)
			}
			d.dbis[name] = dbi
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	d.env.Close()
	return nil
}

func (d *DB) View(_ context.Context, f func(jalkv.Tx) error) error {
	return d.env.View(func(txn *mdbx.Txn) error {
		return f(&tx{txn: txn, dbis: d.dbis})
	})
}

func (d *DB) Update(_ context.Context, f func(jalkv.RwTx) error) error {
	return d.env.Update(func(txn *mdbx.Txn) error {
		return f(&rwTx{tx{txn: txn, dbis: d.dbis}})
	})
}

type tx struct {
	txn  *mdbx.Txn
	dbis map[string]mdbx.DBI
}

func (t *tx) dbi(table string) (mdbx.DBI, error) {
	dbi, ok := t.dbis[table]
	if !ok {
		return 0, fmt.Errorf("mdbxkv: unknown table %q", table)
	}
	return dbi, nil
}

func (t *tx) GetOne(table string, key []byte) ([]byte, error) {
	dbi, err := t.dbi(table)
	if err != nil {
		return nil, err
	}
	v, err := t.txn.Get(dbi, key)
	if mdbx.IsNotFound(err) {
		return nil, nil
	}
	return v, err
}

func (t *tx) Cursor(table string) (jalkv.Cursor, error) {
	dbi, err := t.dbi(table)
	if err != nil {
		return nil, err
	}
	c, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, err
	}
	return &cursor{c: c}, nil
}

func (t *tx) CursorDupSort(table string) (jalkv.CursorDupSort, error) {
	dbi, err := t.dbi(table)
	if err != nil {
		return nil, err
	}
	c, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, err
	}
	return &cursor{c: c}, nil
}

func (t *tx) Commit() error { _, err := t.txn.Commit(); return err }
func (t *tx) Rollback()     { t.txn.Abort() }

type rwTx struct{ tx }

func (t *rwTx) Put(table string, key, value []byte) error {
	dbi, err := t.dbi(table)
	if err != nil {
		return err
	}
	return t.txn.Put(dbi, key, value, 0)
}

func (t *rwTx) Delete(table string, key []byte) error {
	dbi, err := t.dbi(table)
	if err != nil {
		return err
	}
	err = t.txn.Del(dbi, key, nil)
	if mdbx.IsNotFound(err) {
		return nil
	}
	return err
}

func (t *rwTx) RwCursor(table string) (jalkv.RwCursor, error) {
	dbi, err := t.dbi(table)
	if err != nil {
		return nil, err
	}
	c, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, err
	}
	return &cursor{c: c}, nil
}

func (t *rwTx) RwCursorDupSort(table string) (jalkv.RwCursorDupSort, error) {
	dbi, err := t.dbi(table)
	if err != nil {
		return nil, err
	}
	c, err := t.txn.OpenCursor(dbi)
	if err != nil {
		return nil, err
	}
	return &cursor{c: c}, nil
}

// cursor implements jalkv.Cursor/CursorDupSort/RwCursor/RwCursorDupSort —
// the interfaces are a strict subset of mdbx.Cursor's operation set, so one
// concrete type serves all four.
type cursor struct{ c *mdbx.Cursor }

func (c *cursor) First() (k, v []byte, err error) {
	k, v, err = c.c.Get(nil, nil, mdbx.First)
	return noNotFound(k, v, err)
}

func (c *cursor) Next() (k, v []byte, err error) {
	k, v, err = c.c.Get(nil, nil, mdbx.Next)
	return noNotFound(k, v, err)
}

func (c *cursor) Seek(key []byte) (k, v []byte, err error) {
	k, v, err = c.c.Get(key, nil, mdbx.SetRange)
	return noNotFound(k, v, err)
}

func (c *cursor) Last() (k, v []byte, err error) {
	k, v, err = c.c.Get(nil, nil, mdbx.Last)
	return noNotFound(k, v, err)
}

func (c *cursor) Close() { c.c.Close() }

func (c *cursor) FirstDup() (v []byte, err error) {
	_, v, err = c.c.Get(nil, nil, mdbx.FirstDup)
	_, v, err = noNotFound(nil, v, err)
	return v, err
}

func (c *cursor) NextDup() (k, v []byte, err error) {
	k, v, err = c.c.Get(nil, nil, mdbx.NextDup)
	return noNotFound(k, v, err)
}

func (c *cursor) SeekBothExact(key, value []byte) (k, v []byte, err error) {
	k, v, err = c.c.Get(key, value, mdbx.GetBoth)
	return noNotFound(k, v, err)
}

func (c *cursor) SeekBothRange(key, value []byte) (v []byte, err error) {
	_, v, err = c.c.Get(key, value, mdbx.GetBothRange)
	_, v, err = noNotFound(nil, v, err)
	return v, err
}

func (c *cursor) Put(k, v []byte) error { return c.c.Put(k, v, 0) }

func (c *cursor) PutNoDupData(k, v []byte) error { return c.c.Put(k, v, mdbx.NoDupData) }

func (c *cursor) Delete(k []byte) error {
	if _, _, err := c.c.Get(k, nil, mdbx.SetKey); err != nil {
		if mdbx.IsNotFound(err) {
			return nil
		}
		return err
	}
	return c.c.Del(mdbx.Current)
}

func (c *cursor) DeleteExact(k, v []byte) error {
	if _, _, err := c.c.Get(k, v, mdbx.GetBoth); err != nil {
		if mdbx.IsNotFound(err) {
			return nil
		}
		return err
	}
	return c.c.Del(mdbx.Current)
}

func (c *cursor) DeleteCurrentDup() error { return c.c.Del(mdbx.Current) }

// noNotFound turns mdbx's not-found sentinel into (nil, nil, nil), the
// convention jalkv callers rely on to mean "cursor exhausted" rather than
// forcing every caller to special-case mdbx.IsNotFound.
func noNotFound(k, v []byte, err error) ([]byte, []byte, error) {
	if err != nil {
		if mdbx.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return k, v, nil
}
