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
	"io"
	"os"
)

// Segment is a payload region: either an in-memory buffer of known length
// or a reference to a file on disk. Segments are immutable once the
// containing record is committed — nothing in this package ever mutates
// Bytes or reopens Path for writing.
type Segment struct {
	// Bytes holds the payload for an in-memory segment. Nil for a
	// file-backed segment.
	Bytes []byte

	// Path and Length describe a file-backed segment. Length is the
	// logical (uncompressed) byte count regardless of how the file is
	// stored at rest.
	Path   string
	Length int64
}

// IsFile reports whether the segment is file-backed.
func (s *Segment) IsFile() bool { return s.Path != "" }

// Size returns the logical length of the segment regardless of backing.
func (s *Segment) Size() int64 {
	if s == nil {
		return 0
	}
	if s.IsFile() {
		return s.Length
	}
	return int64(len(s.Bytes))
}

// Empty reports whether the segment carries no payload at all, used for
// the "optional" metadata/payload segments spec.md section 3 describes.
func (s *Segment) Empty() bool { return s == nil || s.Size() == 0 }

// Reader opens a sequential reader over the segment starting at offset,
// the interface jalfeed.Feeder needs for phase 6 (payload bytes). The
// returned ReadCloser must always be closed by the caller.
func (s *Segment) Reader(offset int64) (io.ReadCloser, error) {
	if s.IsFile() {
		f, err := os.Open(s.Path)
		if err != nil {
			return nil, err
		}
		if offset > 0 {
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				f.Close()
				return nil, err
			}
		}
		return f, nil
	}
	if offset > int64(len(s.Bytes)) {
		offset = int64(len(s.Bytes))
	}
	return io.NopCloser(newByteReader(s.Bytes[offset:])), nil
}

type byteReader struct {
	b []byte
	i int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
