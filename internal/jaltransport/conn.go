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

package jaltransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/jalop-project/jald/internal/jaldigest"
	"github.com/jalop-project/jald/internal/jalerr"
	"github.com/jalop-project/jald/internal/jalfeed"
	"github.com/jalop-project/jald/internal/jalrecord"
)

// Conn is one peer connection: a framed control-message channel plus raw
// byte passthrough for streaming record bodies, per spec.md section 6's
// "record (multi-frame, ends with boundary)" — the record body is not
// itself length-prefixed, it is self-delimiting via the declared segment
// lengths and repeated boundary sequence jalfeed.Feeder already produces.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader
}

// NewConn wraps an already-established net.Conn (plain TCP or
// *tls.Conn — both satisfy net.Conn).
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, r: bufio.NewReaderSize(raw, 32*1024)}
}

func (c *Conn) Close() error { return c.raw.Close() }

// RemoteAddr returns the underlying connection's remote address string,
// used by the daemon to drive jalpolicy.Directory.Lookup.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Conn) WriteMessage(m Message) error { return WriteMessage(c.raw, m) }

func (c *Conn) ReadMessage() (Message, error) { return ReadMessage(c.r) }

// Send drains f onto the wire, announced by a "record" control message
// carrying the nonce, then the feeder's own self-delimited byte stream.
// Send implements jalpublish.Sender without importing it, the same
// "dependency points inward, transport is injected" shape jalpublish's
// own doc comment describes.
func (c *Conn) Send(ctx context.Context, nonce jalrecord.Nonce, f *jalfeed.Feeder) error {
	if err := c.WriteMessage(Message{Kind: KindRecord, Headers: map[string]string{HeaderNonce: nonce.String()}}); err != nil {
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.Fill(buf)
		if n > 0 {
			if _, werr := c.raw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if f.Errored() {
		return jalerr.New(jalerr.KindInvalid, "jaltransport.Send", "feeder errored mid-stream")
	}
	return nil
}

// ReceivedRecord is what ReceiveRecord hands back: the record reconstructed
// off the wire, the nonce the sender announced it under, and the digest
// computed locally over the payload bytes actually received — the value a
// subscriber echoes back in a digest message.
type ReceivedRecord struct {
	SenderNonce jalrecord.Nonce
	Record      *jalrecord.Record
	Digest      []byte
}

// ReceiveRecord reads one "record" message body: the transport-header
// block jalfeed.Feeder writes, then the three boundary-delimited segments,
// digesting the payload bytes with algo as they arrive. Call this only
// after ReadMessage has returned a Message with Kind == KindRecord.
func (c *Conn) ReceiveRecord(ctx context.Context, boundary []byte, algo jaldigest.Algorithm) (*ReceivedRecord, error) {
	headerText, err := readHeaderBlock(c.r)
	if err != nil {
		return nil, err
	}
	fields, err := parseHeaderBlock(headerText)
	if err != nil {
		return nil, err
	}

	rec := &jalrecord.Record{}
	switch fields["record-type"] {
	case jalrecord.TypeJournal.String():
		rec.Type = jalrecord.TypeJournal
	case jalrecord.TypeAudit.String():
		rec.Type = jalrecord.TypeAudit
	case jalrecord.TypeLog.String():
		rec.Type = jalrecord.TypeLog
	default:
		return nil, jalerr.New(jalerr.KindCorrupted, "jaltransport.ReceiveRecord", "unknown record-type header")
	}
	senderNonceBytes, err := hex.DecodeString(fields["nonce"])
	if err != nil {
		return nil, jalerr.New(jalerr.KindCorrupted, "jaltransport.ReceiveRecord", "malformed nonce header")
	}
	senderNonce := jalrecord.Nonce(senderNonceBytes)

	sysLen, err := strconv.ParseInt(fields["system-metadata-length"], 10, 64)
	if err != nil {
		return nil, jalerr.New(jalerr.KindCorrupted, "jaltransport.ReceiveRecord", "malformed system-metadata-length")
	}
	appLen, err := strconv.ParseInt(fields["application-metadata-length"], 10, 64)
	if err != nil {
		return nil, jalerr.New(jalerr.KindCorrupted, "jaltransport.ReceiveRecord", "malformed application-metadata-length")
	}
	payloadLen, err := strconv.ParseInt(fields["payload-length"], 10, 64)
	if err != nil {
		return nil, jalerr.New(jalerr.KindCorrupted, "jaltransport.ReceiveRecord", "malformed payload-length")
	}

	sysBytes, err := c.readExactly(sysLen)
	if err != nil {
		return nil, err
	}
	rec.SystemMetadata = jalrecord.Segment{Bytes: sysBytes}

	if err := c.expectBoundary(boundary); err != nil {
		return nil, err
	}
	if appLen > 0 {
		appBytes, err := c.readExactly(appLen)
		if err != nil {
			return nil, err
		}
		rec.ApplicationMetadata = jalrecord.Segment{Bytes: appBytes}
	}

	if err := c.expectBoundary(boundary); err != nil {
		return nil, err
	}
	inst := jaldigest.Create(algo)
	defer inst.Destroy()
	var payload []byte
	if payloadLen > 0 {
		payload, err = c.readExactly(payloadLen)
		if err != nil {
			return nil, err
		}
		inst.Update(payload)
		rec.Payload = jalrecord.Segment{Bytes: payload}
	}
	if err := c.expectBoundary(boundary); err != nil {
		return nil, err
	}

	rec.NetworkNonce = senderNonce.Clone()
	return &ReceivedRecord{SenderNonce: senderNonce, Record: rec, Digest: inst.Final()}, nil
}

func (c *Conn) expectBoundary(boundary []byte) error {
	got, err := c.readExactly(int64(len(boundary)))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, boundary) {
		return jalerr.New(jalerr.KindProtocolViolation, "jaltransport.expectBoundary", "boundary mismatch, stream desynchronised")
	}
	return nil
}

func (c *Conn) readExactly(n int64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readHeaderBlock reads lines until a bare CRLF, the same terminator
// jalfeed.Feeder's header phase writes.
func readHeaderBlock(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		b.WriteString(line)
		if line == "\r\n" {
			return b.String(), nil
		}
	}
}

func parseHeaderBlock(text string) (map[string]string, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(text, "\r\n") {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("jaltransport: malformed record header line %q", line)
		}
		fields[name] = value
	}
	return fields, nil
}
