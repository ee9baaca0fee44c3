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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Marshal encodes a Record into the flat binary layout stored as the
// Primary table's value, the way erigon packs its own DB values by hand
// (see erigon-lib/kv/tables.go's per-table byte-layout comments) rather
// than through a generic reflection-based codec.
func (r *Record) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Type))
	buf.WriteByte(byte(r.Version))
	buf.Write(r.HostUUID[:])
	buf.Write(r.RecordUUID[:])
	writeVarint(&buf, uint64(r.ProcessID))
	writeOptionalInt64(&buf, r.UserID)
	writeString(&buf, r.Hostname)
	writeString(&buf, string(r.Time))
	writeString(&buf, r.Username)
	writeString(&buf, r.SecurityLabel)
	writeSegment(&buf, &r.SystemMetadata)
	writeSegment(&buf, &r.ApplicationMetadata)
	writeSegment(&buf, &r.Payload)
	var flags byte
	if r.Sent {
		flags |= 0x01
	}
	if r.Confirmed {
		flags |= 0x02
	}
	if r.Synced {
		flags |= 0x04
	}
	buf.WriteByte(flags)
	writeBytes(&buf, r.NetworkNonce)
	return buf.Bytes()
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(data []byte) (*Record, error) {
	r := &Record{}
	br := bytes.NewReader(data)
	typ, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("jalrecord: decode type: %w", err)
	}
	r.Type = Type(typ)
	ver, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("jalrecord: decode version: %w", err)
	}
	r.Version = int(ver)
	if _, err := io.ReadFull(br, r.HostUUID[:]); err != nil {
		return nil, fmt.Errorf("jalrecord: decode host uuid: %w", err)
	}
	if _, err := io.ReadFull(br, r.RecordUUID[:]); err != nil {
		return nil, fmt.Errorf("jalrecord: decode record uuid: %w", err)
	}
	pid, err := readVarint(br)
	if err != nil {
		return nil, fmt.Errorf("jalrecord: decode process id: %w", err)
	}
	r.ProcessID = int64(pid)
	if r.UserID, err = readOptionalInt64(br); err != nil {
		return nil, fmt.Errorf("jalrecord: decode user id: %w", err)
	}
	if r.Hostname, err = readString(br); err != nil {
		return nil, fmt.Errorf("jalrecord: decode hostname: %w", err)
	}
	ts, err := readString(br)
	if err != nil {
		return nil, fmt.Errorf("jalrecord: decode timestamp: %w", err)
	}
	r.Time = Timestamp(ts)
	if r.Username, err = readString(br); err != nil {
		return nil, fmt.Errorf("jalrecord: decode username: %w", err)
	}
	if r.SecurityLabel, err = readString(br); err != nil {
		return nil, fmt.Errorf("jalrecord: decode security label: %w", err)
	}
	if r.SystemMetadata, err = readSegment(br); err != nil {
		return nil, fmt.Errorf("jalrecord: decode system metadata: %w", err)
	}
	if r.ApplicationMetadata, err = readSegment(br); err != nil {
		return nil, fmt.Errorf("jalrecord: decode application metadata: %w", err)
	}
	if r.Payload, err = readSegment(br); err != nil {
		return nil, fmt.Errorf("jalrecord: decode payload: %w", err)
	}
	flags, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("jalrecord: decode flags: %w", err)
	}
	r.Sent = flags&0x01 != 0
	r.Confirmed = flags&0x02 != 0
	r.Synced = flags&0x04 != 0
	nn, err := readBytes(br)
	if err != nil {
		return nil, fmt.Errorf("jalrecord: decode network nonce: %w", err)
	}
	if len(nn) > 0 {
		r.NetworkNonce = Nonce(nn)
	}
	return r, nil
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readVarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func writeOptionalInt64(buf *bytes.Buffer, v *int64) {
	if v == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeVarint(buf, uint64(*v))
}

func readOptionalInt64(r *bytes.Reader) (*int64, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	v, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	i := int64(v)
	return &i, nil
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeVarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// segment wire kinds.
const (
	segEmpty byte = iota
	segInline
	segFile
)

func writeSegment(buf *bytes.Buffer, s *Segment) {
	switch {
	case s.Empty():
		buf.WriteByte(segEmpty)
	case s.IsFile():
		buf.WriteByte(segFile)
		writeString(buf, s.Path)
		writeVarint(buf, uint64(s.Length))
	default:
		buf.WriteByte(segInline)
		writeBytes(buf, s.Bytes)
	}
}

func readSegment(r *bytes.Reader) (Segment, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Segment{}, err
	}
	switch kind {
	case segEmpty:
		return Segment{}, nil
	case segInline:
		b, err := readBytes(r)
		if err != nil {
			return Segment{}, err
		}
		return Segment{Bytes: b}, nil
	case segFile:
		path, err := readString(r)
		if err != nil {
			return Segment{}, err
		}
		length, err := readVarint(r)
		if err != nil {
			return Segment{}, err
		}
		return Segment{Path: path, Length: int64(length)}, nil
	default:
		return Segment{}, fmt.Errorf("jalrecord: unknown segment kind %d", kind)
	}
}

// NewUUID is a thin indirection so tests can substitute a deterministic
// generator without reaching into google/uuid directly.
var NewUUID = uuid.New
