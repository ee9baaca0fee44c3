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

// Package jalstore is the record store: the transactional home for one
// record type's primary table and its six secondary indices, built on
// jalkv the way erigon's turbo/stages packages build on erigon-lib/kv
// rather than touching mdbx directly.
package jalstore

import (
	"bytes"
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	log "github.com/erigontech/erigon-lib/log/v3"

	"github.com/jalop-project/jald/internal/jalerr"
	"github.com/jalop-project/jald/internal/jalkv"
	"github.com/jalop-project/jald/internal/jalrecord"
)

// Config bundles the knobs a Store needs beyond the jalkv.DB and record
// type: where to spill large payloads to disk, when to compress them, and
// how many hot records to keep cached.
type Config struct {
	// DBRoot is the directory segment files are written under, namespaced
	// by record type and nonce.
	DBRoot string
	// InlineThreshold is the largest payload size, in bytes, kept inside
	// the primary value rather than spilled to a segment file. Zero means
	// "always spill".
	InlineThreshold int64
	// CompressThreshold is the smallest spilled-segment size snappy
	// compresses at write time. A negative value disables compression.
	CompressThreshold int64
	// CacheSize is the number of records the read-through LRU holds.
	CacheSize int
}

// Store is the per-record-type record store spec.md section 4.1 describes:
// one Primary table plus six secondary indices, all namespaced under
// recordType so a single jalkv.DB can host journal, audit and log stores
// side by side.
type Store struct {
	db         jalkv.DB
	recordType jalrecord.Type
	tbl        tables
	cache      *lru.Cache[uint64, *jalrecord.Record]
	log        log.Logger
	cfg        Config
}

type tables struct {
	primary, timestamp, nonceTime, recordUUID, sentFlag, confirmedFlag, networkNonce, meta, watermark string
}

// New opens a Store for recordType against db, whose schema must already
// include jalkv.SchemaFor(recordType.String()) — typically via
// jalkv.FullSchema at environment-open time.
func New(db jalkv.DB, recordType jalrecord.Type, cfg Config, lg log.Logger) (*Store, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	cache, err := lru.New[uint64, *jalrecord.Record](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("jalstore: new cache: %w", err)
	}
	rt := recordType.String()
	return &Store{
		db:         db,
		recordType: recordType,
		tbl: tables{
			primary:       jalkv.Namespace(rt, jalkv.TblPrimary),
			timestamp:     jalkv.Namespace(rt, jalkv.TblTimestamp),
			nonceTime:     jalkv.Namespace(rt, jalkv.TblNonceTimestamp),
			recordUUID:    jalkv.Namespace(rt, jalkv.TblRecordUUID),
			sentFlag:      jalkv.Namespace(rt, jalkv.TblSentFlag),
			confirmedFlag: jalkv.Namespace(rt, jalkv.TblConfirmedFlag),
			networkNonce:  jalkv.Namespace(rt, jalkv.TblNetworkNonce),
			meta:          jalkv.Namespace(rt, jalkv.TblMeta),
			watermark:     jalkv.Namespace(rt, jalkv.TblWatermark),
		},
		cache: cache,
		log:   lg,
		cfg:   cfg,
	}, nil
}

// Insert assigns the next nonce, spills an oversized payload to disk, and
// writes the primary record plus all secondary indices in one transaction.
func (s *Store) Insert(ctx context.Context, rec *jalrecord.Record) (jalrecord.Nonce, error) {
	if err := rec.Validate(); err != nil {
		return nil, jalerr.Wrap(jalerr.KindInvalid, "Insert", "record failed validation", err)
	}
	if rec.RecordUUID == ([16]byte{}) {
		rec.RecordUUID = jalrecord.NewUUID()
	}
	sortKey, err := rec.Time.SortKey()
	if err != nil {
		return nil, jalerr.Wrap(jalerr.KindInvalid, "Insert", "record timestamp is not orderable", err)
	}

	if !rec.Payload.Empty() && !rec.Payload.IsFile() && rec.Payload.Size() > s.cfg.InlineThreshold {
		spilled, err := writeSegmentFile(s.cfg.DBRoot, s.recordType, rec.RecordUUID.String(), rec.Payload.Bytes, s.cfg.CompressThreshold)
		if err != nil {
			return nil, jalerr.Wrap(jalerr.KindStore, "Insert", "spill payload to disk", err)
		}
		rec.Payload = spilled
	}

	var assigned jalrecord.Nonce
	err = s.db.Update(ctx, func(tx jalkv.RwTx) error {
		maxBytes, err := tx.GetOne(s.tbl.meta, jalkv.MetaMaxNonceKey)
		if err != nil {
			return err
		}
		max := jalrecord.ZeroNonce
		if maxBytes != nil {
			max = jalrecord.Nonce(maxBytes)
		}
		assigned = jalrecord.Next(max)

		if err := tx.Put(s.tbl.primary, assigned, rec.Marshal()); err != nil {
			return err
		}
		if err := tx.Put(s.tbl.meta, jalkv.MetaMaxNonceKey, assigned); err != nil {
			return err
		}
		if err := tx.Put(s.tbl.timestamp, sortKey, assigned); err != nil {
			return err
		}
		if err := tx.Put(s.tbl.nonceTime, assigned, sortKey); err != nil {
			return err
		}
		if err := tx.Put(s.tbl.recordUUID, rec.RecordUUID[:], assigned); err != nil {
			return err
		}
		if err := tx.Put(s.tbl.sentFlag, jalkv.FlagKey(false), assigned); err != nil {
			return err
		}
		if err := tx.Put(s.tbl.confirmedFlag, jalkv.FlagKey(false), assigned); err != nil {
			return err
		}
		if len(rec.NetworkNonce) > 0 {
			if err := tx.Put(s.tbl.networkNonce, rec.NetworkNonce, assigned); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, jalerr.Wrap(jalerr.KindStore, "Insert", "commit record", err)
	}
	s.cache.Add(assigned.Uint64(), rec)
	return assigned, nil
}

// Get loads the record stored under nonce, consulting the read-through
// cache first.
func (s *Store) Get(ctx context.Context, nonce jalrecord.Nonce) (*jalrecord.Record, error) {
	if rec, ok := s.cache.Get(nonce.Uint64()); ok {
		return rec, nil
	}
	var rec *jalrecord.Record
	err := s.db.View(ctx, func(tx jalkv.Tx) error {
		v, err := tx.GetOne(s.tbl.primary, nonce)
		if err != nil {
			return err
		}
		if v == nil {
			return jalerr.New(jalerr.KindNotFound, "Get", fmt.Sprintf("no %s record at nonce %s", s.recordType, nonce))
		}
		r, err := jalrecord.Unmarshal(v)
		if err != nil {
			return jalerr.Wrap(jalerr.KindCorrupted, "Get", "decode stored record", err)
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.Add(nonce.Uint64(), rec)
	return rec, nil
}

// NextUnsynced returns the smallest-nonce record with Sent==false, the
// archive-mode selection policy spec.md section 4.3 names next_unsynced.
// It returns jalerr.KindNotFound when nothing is pending.
func (s *Store) NextUnsynced(ctx context.Context) (jalrecord.Nonce, *jalrecord.Record, error) {
	var nonce jalrecord.Nonce
	err := s.db.View(ctx, func(tx jalkv.Tx) error {
		c, err := tx.CursorDupSort(s.tbl.sentFlag)
		if err != nil {
			return err
		}
		defer c.Close()
		v, err := c.SeekBothRange(jalkv.FlagFalse, nil)
		if err != nil {
			return err
		}
		if v == nil {
			return jalerr.New(jalerr.KindNotFound, "NextUnsynced", "no unsent records")
		}
		nonce = jalrecord.Nonce(v).Clone()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.Get(ctx, nonce)
	if err != nil {
		return nil, nil, err
	}
	return nonce, rec, nil
}

// NextChronological returns the record with the smallest timestamp
// strictly greater than cursor, advancing cursor to that record's
// timestamp on success — live-mode's next_chronological selection policy.
func (s *Store) NextChronological(ctx context.Context, cursor *jalrecord.Timestamp) (jalrecord.Nonce, *jalrecord.Record, error) {
	cursorKey, err := cursor.SortKey()
	if err != nil {
		return nil, nil, jalerr.Wrap(jalerr.KindInvalid, "NextChronological", "cursor timestamp is not orderable", err)
	}
	var nonce jalrecord.Nonce
	err = s.db.View(ctx, func(tx jalkv.Tx) error {
		c, err := tx.Cursor(s.tbl.timestamp)
		if err != nil {
			return err
		}
		defer c.Close()
		k, v, err := c.Seek(cursorKey)
		if err != nil {
			return err
		}
		for k != nil && bytes.Equal(k, cursorKey) {
			k, v, err = c.Next()
			if err != nil {
				return err
			}
		}
		if k == nil {
			return jalerr.New(jalerr.KindNotFound, "NextChronological", "no record newer than cursor")
		}
		nonce = jalrecord.Nonce(v).Clone()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.Get(ctx, nonce)
	if err != nil {
		return nil, nil, err
	}
	*cursor = rec.Time
	return nonce, rec, nil
}

// MarkSent updates a record's Sent flag and moves it between the two
// buckets of the sent-flag index. Clearing Sent on a record that is
// Confirmed would violate synced⇒confirmed⇒sent and is rejected.
func (s *Store) MarkSent(ctx context.Context, nonce jalrecord.Nonce, sent bool) error {
	return s.updateRecord(ctx, "MarkSent", nonce, func(tx jalkv.RwTx, rec *jalrecord.Record) error {
		if rec.Sent == sent {
			return nil
		}
		if !jalrecord.CheckFlagTransition(sent, rec.Confirmed, rec.Synced) {
			return jalerr.New(jalerr.KindInvalid, "MarkSent", "would violate synced=>confirmed=>sent")
		}
		if err := moveFlagIndex(tx, s.tbl.sentFlag, nonce, rec.Sent, sent); err != nil {
			return err
		}
		rec.Sent = sent
		return nil
	})
}

// MarkConfirmed updates a record's Confirmed flag and moves it between the
// two buckets of the confirmed-flag index. Sessions call this when an
// incoming digest matches what was sent (spec.md section 4.3's Streaming
// state "on digest response" transition); StoreConfirmedWatermark below is
// the coarser, cross-record bookkeeping spec.md section 4.1 names
// explicitly.
func (s *Store) MarkConfirmed(ctx context.Context, nonce jalrecord.Nonce, confirmed bool) error {
	return s.updateRecord(ctx, "MarkConfirmed", nonce, func(tx jalkv.RwTx, rec *jalrecord.Record) error {
		if rec.Confirmed == confirmed {
			return nil
		}
		if !jalrecord.CheckFlagTransition(rec.Sent, confirmed, rec.Synced) {
			return jalerr.New(jalerr.KindInvalid, "MarkConfirmed", "would violate synced=>confirmed=>sent")
		}
		if err := moveFlagIndex(tx, s.tbl.confirmedFlag, nonce, rec.Confirmed, confirmed); err != nil {
			return err
		}
		rec.Confirmed = confirmed
		return nil
	})
}

// MarkSynced sets a record's Synced flag. Requires Confirmed already true.
func (s *Store) MarkSynced(ctx context.Context, nonce jalrecord.Nonce) error {
	return s.updateRecord(ctx, "MarkSynced", nonce, func(tx jalkv.RwTx, rec *jalrecord.Record) error {
		if rec.Synced {
			return nil
		}
		if !rec.Confirmed {
			return jalerr.New(jalerr.KindInvalid, "MarkSynced", "record is not confirmed")
		}
		rec.Synced = true
		return nil
	})
}

// MarkUnsyncedUnsent clears Sent on every record that is Sent but not yet
// Synced, the recovery sweep jalsession.Session.Start runs at the start of
// every archive-mode publisher session so a crash mid-transmission
// re-offers the record to next_unsynced.
func (s *Store) MarkUnsyncedUnsent(ctx context.Context) (int, error) {
	var stale []jalrecord.Nonce
	err := s.db.View(ctx, func(tx jalkv.Tx) error {
		c, err := tx.Cursor(s.tbl.sentFlag)
		if err != nil {
			return err
		}
		defer c.Close()
		k, v, err := c.Seek(jalkv.FlagTrue)
		if err != nil {
			return err
		}
		for k != nil && bytes.Equal(k, jalkv.FlagTrue) {
			nonce := jalrecord.Nonce(v).Clone()
			rec, gerr := s.Get(ctx, nonce)
			if gerr != nil {
				return gerr
			}
			if !rec.Synced {
				stale = append(stale, nonce)
			}
			k, v, err = c.Next()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, nonce := range stale {
		if err := s.MarkSent(ctx, nonce, false); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// StoreConfirmedWatermark records the greatest nonce remoteHost has
// confirmed receipt (and matching digest) for, per spec.md section 4.1:
// E_SID if nonce exceeds the highest nonce this store has ever assigned,
// E_ALREADY_CONFED if nonce is at or below the existing watermark, and
// E_CORRUPTED if the store's own bookkeeping disagrees with itself.
func (s *Store) StoreConfirmedWatermark(ctx context.Context, remoteHost string, nonce jalrecord.Nonce) error {
	return s.db.Update(ctx, func(tx jalkv.RwTx) error {
		maxBytes, err := tx.GetOne(s.tbl.meta, jalkv.MetaMaxNonceKey)
		if err != nil {
			return err
		}
		max := jalrecord.ZeroNonce
		if maxBytes != nil {
			max = jalrecord.Nonce(maxBytes)
		}
		if nonce.Compare(max) > 0 {
			return jalerr.New(jalerr.KindSequenceID, "StoreConfirmedWatermark",
				fmt.Sprintf("nonce %s exceeds highest assigned nonce %s", nonce, max))
		}
		if !max.Equal(jalrecord.ZeroNonce) {
			maxRec, err := tx.GetOne(s.tbl.primary, max)
			if err != nil {
				return err
			}
			if maxRec == nil {
				return jalerr.New(jalerr.KindCorrupted, "StoreConfirmedWatermark",
					fmt.Sprintf("max-nonce record %s is missing from the primary table", max))
			}
		}
		curBytes, err := tx.GetOne(s.tbl.watermark, []byte(remoteHost))
		if err != nil {
			return err
		}
		if curBytes != nil && jalrecord.Nonce(curBytes).Compare(nonce) >= 0 {
			return jalerr.New(jalerr.KindAlreadyConfirmed, "StoreConfirmedWatermark",
				fmt.Sprintf("%s already confirmed through %s", remoteHost, jalrecord.Nonce(curBytes)))
		}
		return tx.Put(s.tbl.watermark, []byte(remoteHost), nonce)
	})
}

// ConfirmedWatermark returns the greatest nonce remoteHost has confirmed,
// or jalerr.KindNotFound if nothing has been confirmed yet.
func (s *Store) ConfirmedWatermark(ctx context.Context, remoteHost string) (jalrecord.Nonce, error) {
	var nonce jalrecord.Nonce
	err := s.db.View(ctx, func(tx jalkv.Tx) error {
		v, err := tx.GetOne(s.tbl.watermark, []byte(remoteHost))
		if err != nil {
			return err
		}
		if v == nil {
			return jalerr.New(jalerr.KindNotFound, "ConfirmedWatermark", fmt.Sprintf("no watermark for %s", remoteHost))
		}
		nonce = jalrecord.Nonce(v).Clone()
		return nil
	})
	return nonce, err
}

// LookupByNetworkNonce finds the locally-assigned nonce for a record this
// store re-published from an upstream peer, identified by the nonce it
// carried on that upstream connection. Used to resume a journal transfer
// idempotently after a mid-stream disconnect (spec.md section 4.3).
func (s *Store) LookupByNetworkNonce(ctx context.Context, networkNonce jalrecord.Nonce) (jalrecord.Nonce, error) {
	var nonce jalrecord.Nonce
	err := s.db.View(ctx, func(tx jalkv.Tx) error {
		v, err := tx.GetOne(s.tbl.networkNonce, networkNonce)
		if err != nil {
			return err
		}
		if v == nil {
			return jalerr.New(jalerr.KindNotFound, "LookupByNetworkNonce", "no record for that network nonce")
		}
		nonce = jalrecord.Nonce(v).Clone()
		return nil
	})
	return nonce, err
}

// Stats is a point-in-time summary surfaced on the admin HTTP endpoint.
// UnsyncedCount is read from the confirmed-flag index, so it counts records
// not yet digest-confirmed; records that are confirmed but not yet synced
// are not included in it.
type Stats struct {
	MaxNonce      jalrecord.Nonce
	UnsentCount   int
	UnsyncedCount int
}

// Stats reports the current high-water nonce and two pending-work counts,
// walking the sent-flag and confirmed-flag indices rather than the
// primary table so it stays cheap on a store with millions of records.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.View(ctx, func(tx jalkv.Tx) error {
		maxBytes, err := tx.GetOne(s.tbl.meta, jalkv.MetaMaxNonceKey)
		if err != nil {
			return err
		}
		if maxBytes != nil {
			st.MaxNonce = jalrecord.Nonce(maxBytes).Clone()
		} else {
			st.MaxNonce = jalrecord.ZeroNonce
		}
		st.UnsentCount, err = countDup(tx, s.tbl.sentFlag, jalkv.FlagFalse)
		if err != nil {
			return err
		}
		st.UnsyncedCount, err = countDup(tx, s.tbl.confirmedFlag, jalkv.FlagFalse)
		return err
	})
	return st, err
}

func countDup(tx jalkv.Tx, table string, key []byte) (int, error) {
	c, err := tx.CursorDupSort(table)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	n := 0
	v, err := c.SeekBothRange(key, nil)
	for v != nil && err == nil {
		n++
		_, v, err = c.NextDup()
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// IterateUnsynced calls fn with every record whose Sent flag is true but
// Synced flag is false, in ascending nonce order, stopping early if fn
// returns false. Used by the admin surface and by crash-recovery tooling
// that wants to inspect rather than immediately reset stuck records.
func (s *Store) IterateUnsynced(ctx context.Context, fn func(jalrecord.Nonce, *jalrecord.Record) bool) error {
	return s.db.View(ctx, func(tx jalkv.Tx) error {
		c, err := tx.CursorDupSort(s.tbl.sentFlag)
		if err != nil {
			return err
		}
		defer c.Close()
		v, err := c.SeekBothRange(jalkv.FlagTrue, nil)
		for v != nil && err == nil {
			nonce := jalrecord.Nonce(v).Clone()
			rec, gerr := s.Get(ctx, nonce)
			if gerr != nil {
				return gerr
			}
			if !rec.Synced {
				if !fn(nonce, rec) {
					return nil
				}
			}
			_, v, err = c.NextDup()
		}
		return err
	})
}

// updateRecord loads rec under nonce, lets mutate apply its change, and
// writes the updated record back in the same transaction the caller's
// index maintenance (if any) ran in. mutate returning a *jalerr.Error
// aborts the transaction without touching the primary table.
func (s *Store) updateRecord(ctx context.Context, op string, nonce jalrecord.Nonce, mutate func(jalkv.RwTx, *jalrecord.Record) error) error {
	return s.db.Update(ctx, func(tx jalkv.RwTx) error {
		v, err := tx.GetOne(s.tbl.primary, nonce)
		if err != nil {
			return err
		}
		if v == nil {
			return jalerr.New(jalerr.KindNotFound, op, fmt.Sprintf("no %s record at nonce %s", s.recordType, nonce))
		}
		rec, err := jalrecord.Unmarshal(v)
		if err != nil {
			return jalerr.Wrap(jalerr.KindCorrupted, op, "decode stored record", err)
		}
		if err := mutate(tx, rec); err != nil {
			return err
		}
		if err := tx.Put(s.tbl.primary, nonce, rec.Marshal()); err != nil {
			return err
		}
		s.cache.Add(nonce.Uint64(), rec)
		return nil
	})
}

// moveFlagIndex deletes nonce from the old-value bucket of a dup-sorted
// flag index and inserts it into the new-value bucket, within tx.
func moveFlagIndex(tx jalkv.RwTx, table string, nonce jalrecord.Nonce, oldVal, newVal bool) error {
	c, err := tx.RwCursorDupSort(table)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.DeleteExact(jalkv.FlagKey(oldVal), nonce); err != nil {
		return err
	}
	return c.PutNoDupData(jalkv.FlagKey(newVal), nonce)
}
