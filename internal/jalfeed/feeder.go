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

// Package jalfeed produces the on-wire byte stream for one record: the
// seven phases spec.md section 4.4 lists, pulled through a small
// caller-supplied buffer one Fill call at a time so a session never has to
// hold a whole record in memory to send it.
package jalfeed

import (
	"fmt"
	"io"

	"github.com/jalop-project/jald/internal/jaldigest"
	"github.com/jalop-project/jald/internal/jalerr"
	"github.com/jalop-project/jald/internal/jalrecord"
)

// phase is the feeder's position in the seven-step sequence. Its zero value
// is the first phase, so a freshly constructed Feeder starts correctly
// without an explicit initializer.
type phase int

const (
	phaseHeaders phase = iota
	phaseSystemMetadata
	phaseBoundary1
	phaseApplicationMetadata
	phaseBoundary2
	phasePayload
	phaseBoundary3
	phaseDone
)

// GetBytes is the external payload-read callback spec.md section 4.4
// requires for journal records, so the same feeder serves both a fresh
// send and a journal-resume send: it is called with a monotonically
// increasing offset and must fill buf as far as it can, returning the
// number of bytes written (0, io.EOF at end of payload).
type GetBytes func(offset int64, buf []byte) (int, error)

// Feeder walks the seven phases of one record's wire representation.
// It is not safe for concurrent use; a session owns exactly one feeder at
// a time for the record it is currently sending.
type Feeder struct {
	rec    *jalrecord.Record
	nonce  jalrecord.Nonce
	phase  phase
	offset int64 // byte offset within the current phase's source

	headers  []byte
	boundary []byte

	sysReader io.ReadCloser
	appReader io.ReadCloser

	payloadOffset int64
	getBytes      GetBytes
	payloadReader io.ReadCloser

	digest       *jaldigest.Instance
	payloadBytes int64
	finalDigest  []byte

	errored bool
}

// New builds a Feeder for rec at the given assigned nonce. resumeOffset is
// the payload offset to start emitting from (0 for a fresh send, nonzero
// for journal-resume); digest is only updated over bytes actually emitted
// from that offset onward, so a resumed send's digest covers the suffix it
// transmits, never the full payload — the record's own digest, taken at
// first send, is what establishes whole-payload integrity; journal-resume
// continues where that ended rather than re-proving it.
//
// getBytes, when non-nil, overrides reading rec.Payload directly: it lets
// a caller serve payload bytes from somewhere other than the record's own
// segment, the indirection journal-resume needs.
func New(rec *jalrecord.Record, nonce jalrecord.Nonce, boundary []byte, digest *jaldigest.Instance, resumeOffset int64, getBytes GetBytes) (*Feeder, error) {
	if len(boundary) == 0 {
		return nil, jalerr.New(jalerr.KindInvalid, "jalfeed.New", "boundary separator must not be empty")
	}
	f := &Feeder{
		rec:           rec,
		nonce:         nonce,
		boundary:      boundary,
		digest:        digest,
		payloadOffset: resumeOffset,
		getBytes:      getBytes,
	}
	f.headers = []byte(fmt.Sprintf(
		"record-type: %s\r\nnonce: %s\r\nsystem-metadata-length: %d\r\napplication-metadata-length: %d\r\npayload-length: %d\r\n\r\n",
		rec.Type, nonce.String(), rec.SystemMetadata.Size(), rec.ApplicationMetadata.Size(), rec.Payload.Size(),
	))
	if resumeOffset > 0 {
		// Resuming mid-payload: headers and metadata were already delivered
		// on the original attempt, skip straight to the payload phase.
		f.phase = phasePayload
	}
	return f, nil
}

// Fill writes up to len(buf) bytes of the record's wire stream into buf and
// returns how many it wrote. A return of (n, io.EOF) with n possibly zero
// means the record is fully emitted. It is legal to call Fill repeatedly
// with small buffers — the feeder resumes exactly where it left off.
func (f *Feeder) Fill(buf []byte) (int, error) {
	if f.errored {
		return 0, jalerr.New(jalerr.KindInvalid, "jalfeed.Fill", "feeder already errored, no further calls accepted")
	}
	total := 0
	for total < len(buf) {
		switch f.phase {
		case phaseHeaders:
			n := f.copyFrom(f.headers, buf[total:])
			total += n
			if int(f.offset) >= len(f.headers) {
				f.advance()
			}

		case phaseSystemMetadata:
			n, err := f.copySegment(&f.sysReader, &f.rec.SystemMetadata, buf[total:])
			total += n
			if err == io.EOF {
				f.advance()
			} else if err != nil {
				return total, f.fail(err)
			}

		case phaseBoundary1, phaseBoundary2, phaseBoundary3:
			n := f.copyFrom(f.boundary, buf[total:])
			total += n
			if int(f.offset) >= len(f.boundary) {
				if f.phase == phaseBoundary3 {
					f.phase = phaseDone
					f.offset = 0
					break
				}
				f.advance()
			}

		case phaseApplicationMetadata:
			n, err := f.copySegment(&f.appReader, &f.rec.ApplicationMetadata, buf[total:])
			total += n
			if err == io.EOF {
				f.advance()
			} else if err != nil {
				return total, f.fail(err)
			}

		case phasePayload:
			n, err := f.readPayload(buf[total:])
			total += n
			if n > 0 {
				f.digest.Update(buf[total-n : total])
				f.payloadBytes += int64(n)
			}
			if err == io.EOF {
				f.finalDigest = f.digest.Final()
				f.advance()
			} else if err != nil {
				return total, f.fail(err)
			}

		case phaseDone:
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil

		default:
			return total, f.fail(fmt.Errorf("jalfeed: unknown phase %d", f.phase))
		}
	}
	return total, nil
}

// copyFrom copies from an in-memory source at f.offset into dst, advancing
// f.offset, and returns how many bytes it copied.
func (f *Feeder) copyFrom(src []byte, dst []byte) int {
	n := copy(dst, src[f.offset:])
	f.offset += int64(n)
	return n
}

// copySegment lazily opens seg's reader on first use and copies from it
// into dst, reporting io.EOF once the segment is exhausted.
func (f *Feeder) copySegment(reader *io.ReadCloser, seg *jalrecord.Segment, dst []byte) (int, error) {
	if seg.Empty() {
		return 0, io.EOF
	}
	if *reader == nil {
		r, err := seg.Reader(0)
		if err != nil {
			return 0, err
		}
		*reader = r
	}
	n, err := (*reader).Read(dst)
	if err == io.EOF {
		(*reader).Close()
		*reader = nil
	}
	return n, err
}

// readPayload pulls the next chunk of payload bytes, using getBytes when
// the caller supplied one (journal-resume), otherwise reading the record's
// own segment sequentially from payloadOffset.
func (f *Feeder) readPayload(dst []byte) (int, error) {
	if f.rec.Payload.Empty() {
		return 0, io.EOF
	}
	if f.getBytes != nil {
		n, err := f.getBytes(f.payloadOffset, dst)
		f.payloadOffset += int64(n)
		if err == nil && n == 0 {
			return 0, io.EOF
		}
		return n, err
	}
	if f.payloadReader == nil {
		r, err := f.rec.Payload.Reader(f.payloadOffset)
		if err != nil {
			return 0, err
		}
		f.payloadReader = r
	}
	n, err := f.payloadReader.Read(dst)
	f.payloadOffset += int64(n)
	if err == io.EOF {
		f.payloadReader.Close()
		f.payloadReader = nil
	}
	return n, err
}

func (f *Feeder) advance() {
	f.phase++
	f.offset = 0
}

func (f *Feeder) fail(cause error) error {
	f.errored = true
	return jalerr.Wrap(jalerr.KindInvalid, "jalfeed.Fill", "feeder transitioned to errored", cause)
}

// Errored reports whether a prior Fill call failed, per spec.md section
// 4.4's "on any digest-algorithm failure or short read, the feeder
// transitions the session to errored and refuses further calls."
func (f *Feeder) Errored() bool { return f.errored }

// PayloadDigest returns the digest computed over exactly the payload bytes
// emitted so far, and the byte count it covers. It is only meaningful once
// the payload phase has completed (Fill has advanced past phasePayload);
// callers check that via Done or by tracking phase externally.
func (f *Feeder) PayloadDigest() ([]byte, int64, bool) {
	if f.finalDigest == nil {
		return nil, 0, false
	}
	return f.finalDigest, f.payloadBytes, true
}

// Done reports whether every phase has been fully emitted.
func (f *Feeder) Done() bool { return f.phase == phaseDone }

// EstimateSize returns an advisory total byte estimate for the record's
// wire stream: header length, boundary repeated three times, and both
// metadata segments plus the payload, capped at maxChunk per spec.md
// section 4.4 ("saturating at the transport's maximum chunk size"). The
// transport must not rely on this for termination — only Fill's io.EOF is
// authoritative.
func (f *Feeder) EstimateSize(maxChunk int64) int64 {
	total := int64(len(f.headers)) + 3*int64(len(f.boundary))
	total += f.rec.SystemMetadata.Size()
	total += f.rec.ApplicationMetadata.Size()
	total += f.rec.Payload.Size()
	if maxChunk > 0 && total > maxChunk {
		return maxChunk
	}
	return total
}
