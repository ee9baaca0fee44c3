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

// Package fakekv is an in-process jalkv.DB used by the rest of this module's
// tests, the same role erigon-lib/kv/memdb.NewTestDB plays for package
// tests that want the real Tx/Cursor interfaces without paying for mdbx.
// It keeps every table as a sorted in-memory multimap and serializes all
// transactions behind one mutex; it does not roll back partial writes on
// an aborted Update, which every caller in this module tolerates because
// none of them issue a Put before a possible failure.
package fakekv

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jalop-project/jald/internal/jalkv"
)

type DB struct {
	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	dupSort bool
	// data[key] holds one value for a Default table, or the sorted set of
	// distinct duplicate values for a DupSort table.
	data map[string][][]byte
}

// New builds a DB with one empty table per entry in schema.
func New(schema jalkv.TableCfg) *DB {
	d := &DB{tables: make(map[string]*table, len(schema))}
	for name, item := range schema {
		d.tables[name] = &table{dupSort: item.Flags&jalkv.DupSort != 0, data: make(map[string][][]byte)}
	}
	return d
}

func (d *DB) Close() error { return nil }

func (d *DB) View(_ context.Context, f func(jalkv.Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return f(&tx{d: d})
}

func (d *DB) Update(_ context.Context, f func(jalkv.RwTx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return f(&rwTx{tx{d: d}})
}

type tx struct{ d *DB }

func (t *tx) table(name string) (*table, error) {
	tb, ok := t.d.tables[name]
	if !ok {
		return nil, fmt.Errorf("fakekv: unknown table %q", name)
	}
	return tb, nil
}

func (t *tx) GetOne(table string, key []byte) ([]byte, error) {
	tb, err := t.table(table)
	if err != nil {
		return nil, err
	}
	vs, ok := tb.data[string(key)]
	if !ok || len(vs) == 0 {
		return nil, nil
	}
	return vs[0], nil
}

func (t *tx) Cursor(table string) (jalkv.Cursor, error) {
	tb, err := t.table(table)
	if err != nil {
		return nil, err
	}
	return &cursor{tb: tb}, nil
}

func (t *tx) CursorDupSort(table string) (jalkv.CursorDupSort, error) {
	tb, err := t.table(table)
	if err != nil {
		return nil, err
	}
	return &cursor{tb: tb}, nil
}

func (t *tx) Commit() error { return nil }
func (t *tx) Rollback()     {}

type rwTx struct{ tx }

func (t *rwTx) Put(table string, key, value []byte) error {
	tb, err := t.table(table)
	if err != nil {
		return err
	}
	v := append([]byte(nil), value...)
	if !tb.dupSort {
		tb.data[string(key)] = [][]byte{v}
		return nil
	}
	return putDup(tb, key, v)
}

func (t *rwTx) Delete(table string, key []byte) error {
	tb, err := t.table(table)
	if err != nil {
		return err
	}
	delete(tb.data, string(key))
	return nil
}

func (t *rwTx) RwCursor(table string) (jalkv.RwCursor, error) {
	tb, err := t.table(table)
	if err != nil {
		return nil, err
	}
	return &cursor{tb: tb}, nil
}

func (t *rwTx) RwCursorDupSort(table string) (jalkv.RwCursorDupSort, error) {
	tb, err := t.table(table)
	if err != nil {
		return nil, err
	}
	return &cursor{tb: tb}, nil
}

// pair is one flattened (key, value) entry used to give cursor traversal
// the same "walk everything in byte order" semantics mdbx gives a plain
// Cursor over a DupSort table.
type pair struct{ k, v []byte }

func (tb *table) pairs() []pair {
	keys := make([]string, 0, len(tb.data))
	for k := range tb.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]pair, 0, len(tb.data))
	for _, k := range keys {
		for _, v := range tb.data[k] {
			out = append(out, pair{k: []byte(k), v: v})
		}
	}
	return out
}

type cursor struct {
	tb  *table
	cur pair
	ok  bool
}

func (c *cursor) First() ([]byte, []byte, error) {
	ps := c.tb.pairs()
	if len(ps) == 0 {
		c.ok = false
		return nil, nil, nil
	}
	c.cur, c.ok = ps[0], true
	return c.cur.k, c.cur.v, nil
}

func (c *cursor) Next() ([]byte, []byte, error) {
	if !c.ok {
		return c.First()
	}
	ps := c.tb.pairs()
	idx := indexOf(ps, c.cur)
	if idx < 0 || idx+1 >= len(ps) {
		c.ok = false
		return nil, nil, nil
	}
	c.cur, c.ok = ps[idx+1], true
	return c.cur.k, c.cur.v, nil
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, error) {
	ps := c.tb.pairs()
	i := sort.Search(len(ps), func(i int) bool { return bytes.Compare(ps[i].k, key) >= 0 })
	if i >= len(ps) {
		c.ok = false
		return nil, nil, nil
	}
	c.cur, c.ok = ps[i], true
	return c.cur.k, c.cur.v, nil
}

func (c *cursor) Last() ([]byte, []byte, error) {
	ps := c.tb.pairs()
	if len(ps) == 0 {
		c.ok = false
		return nil, nil, nil
	}
	c.cur, c.ok = ps[len(ps)-1], true
	return c.cur.k, c.cur.v, nil
}

func (c *cursor) Close() {}

func (c *cursor) FirstDup() ([]byte, error) {
	if !c.ok {
		return nil, nil
	}
	vs := c.tb.data[string(c.cur.k)]
	if len(vs) == 0 {
		return nil, nil
	}
	c.cur = pair{k: c.cur.k, v: vs[0]}
	return c.cur.v, nil
}

func (c *cursor) NextDup() ([]byte, []byte, error) {
	if !c.ok {
		return nil, nil, nil
	}
	vs := c.tb.data[string(c.cur.k)]
	for i, v := range vs {
		if bytes.Equal(v, c.cur.v) {
			if i+1 >= len(vs) {
				return nil, nil, nil
			}
			c.cur = pair{k: c.cur.k, v: vs[i+1]}
			return c.cur.k, c.cur.v, nil
		}
	}
	return nil, nil, nil
}

func (c *cursor) SeekBothExact(key, value []byte) ([]byte, []byte, error) {
	vs := c.tb.data[string(key)]
	for _, v := range vs {
		if bytes.Equal(v, value) {
			c.cur, c.ok = pair{k: key, v: v}, true
			return c.cur.k, c.cur.v, nil
		}
	}
	return nil, nil, nil
}

func (c *cursor) SeekBothRange(key, value []byte) ([]byte, error) {
	vs := c.tb.data[string(key)]
	for _, v := range vs {
		if bytes.Compare(v, value) >= 0 {
			c.cur, c.ok = pair{k: key, v: v}, true
			return v, nil
		}
	}
	return nil, nil
}

func (c *cursor) Put(k, v []byte) error {
	kk, vv := string(k), append([]byte(nil), v...)
	if !c.tb.dupSort {
		c.tb.data[kk] = [][]byte{vv}
		return nil
	}
	return putDup(c.tb, k, vv)
}

func (c *cursor) PutNoDupData(k, v []byte) error { return c.Put(k, v) }

func (c *cursor) Delete(k []byte) error {
	delete(c.tb.data, string(k))
	return nil
}

func (c *cursor) DeleteExact(k, v []byte) error {
	vs := c.tb.data[string(k)]
	for i, existing := range vs {
		if bytes.Equal(existing, v) {
			vs = append(vs[:i], vs[i+1:]...)
			if len(vs) == 0 {
				delete(c.tb.data, string(k))
			} else {
				c.tb.data[string(k)] = vs
			}
			return nil
		}
	}
	return nil
}

func (c *cursor) DeleteCurrentDup() error {
	if !c.ok {
		return nil
	}
	return c.DeleteExact(c.cur.k, c.cur.v)
}

func indexOf(ps []pair, p pair) int {
	for i, x := range ps {
		if bytes.Equal(x.k, p.k) && bytes.Equal(x.v, p.v) {
			return i
		}
	}
	return -1
}

// putDup is shared by rwTx.Put and cursor.Put for DupSort tables: add the
// value if not already present, keeping the slice sorted.
func putDup(tb *table, key, value []byte) error {
	k := string(key)
	vs := tb.data[k]
	for _, existing := range vs {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	vs = append(vs, value)
	sort.Slice(vs, func(i, j int) bool { return bytes.Compare(vs[i], vs[j]) < 0 })
	tb.data[k] = vs
	return nil
}
