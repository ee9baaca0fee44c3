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
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Timestamp is an XML-Schema-dateTime-formatted string. It is kept as a
// string (not a time.Time) because the wire format and the stored format
// are the same bytes — records are never reformatted, only compared.
type Timestamp string

// xsdDateTime decomposes the components spec.md section 3 lists: year,
// month, day, hour, minute, second, fractional seconds and zone. time.Parse
// rejects some valid xsd:dateTime forms (e.g. a bare "Z" mixed with
// sub-second precision longer than Go's reference layout handles well), so
// comparison is done on parsed components rather than through time.Time
// arithmetic, matching the "decomposes ... and compares componentwise"
// wording precisely.
var xsdDateTime = regexp.MustCompile(
	`^(-?\d{4,})-(\d{2})-(\d{2})T(\d{2}):(\d{2}):(\d{2})(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)

type components struct {
	year, month, day, hour, minute, second int
	frac                                   string
	zoneOffsetSeconds                      int
	hasZone                                bool
}

func parseTimestamp(ts Timestamp) (components, error) {
	m := xsdDateTime.FindStringSubmatch(string(ts))
	if m == nil {
		return components{}, fmt.Errorf("jalrecord: timestamp %q is not a valid xsd:dateTime", ts)
	}
	c := components{frac: m[7]}
	var err error
	if c.year, err = strconv.Atoi(m[1]); err != nil {
		return components{}, err
	}
	if c.month, err = strconv.Atoi(m[2]); err != nil {
		return components{}, err
	}
	if c.day, err = strconv.Atoi(m[3]); err != nil {
		return components{}, err
	}
	if c.hour, err = strconv.Atoi(m[4]); err != nil {
		return components{}, err
	}
	if c.minute, err = strconv.Atoi(m[5]); err != nil {
		return components{}, err
	}
	if c.second, err = strconv.Atoi(m[6]); err != nil {
		return components{}, err
	}
	if m[8] != "" {
		c.hasZone = true
		if m[8] == "Z" {
			c.zoneOffsetSeconds = 0
		} else {
			sign := 1
			z := m[8]
			if z[0] == '-' {
				sign = -1
			}
			hh, _ := strconv.Atoi(z[1:3])
			mm, _ := strconv.Atoi(z[4:6])
			c.zoneOffsetSeconds = sign * (hh*3600 + mm*60)
		}
	}
	return c, nil
}

// asUTCOrdinal normalizes a parsed timestamp to a (days since epoch,
// seconds-of-day) pair in UTC so zone-shifted timestamps compare correctly
// without ever materializing a monotonic clock reading.
func (c components) asUTCOrdinal() (days int64, secOfDay int) {
	t := time.Date(c.year, time.Month(c.month), c.day, c.hour, c.minute, c.second, 0, time.UTC)
	t = t.Add(-time.Duration(c.zoneOffsetSeconds) * time.Second)
	days = t.Unix() / 86400
	secOfDay = int(t.Unix() % 86400)
	if secOfDay < 0 {
		secOfDay += 86400
		days--
	}
	return days, secOfDay
}

// Compare returns -1, 0 or 1 using calendar-aware semantic comparison, not
// byte-lexicographic string comparison: "2024-01-01T00:00:00-05:00" is
// after "2024-01-01T04:00:00Z" in wall-clock terms even though it sorts
// earlier as a string.
func (t Timestamp) Compare(other Timestamp) (int, error) {
	a, err := parseTimestamp(t)
	if err != nil {
		return 0, err
	}
	b, err := parseTimestamp(other)
	if err != nil {
		return 0, err
	}
	aDays, aSec := a.asUTCOrdinal()
	bDays, bSec := b.asUTCOrdinal()
	switch {
	case aDays != bDays:
		if aDays < bDays {
			return -1, nil
		}
		return 1, nil
	case aSec != bSec:
		if aSec < bSec {
			return -1, nil
		}
		return 1, nil
	default:
		return compareFractions(a.frac, b.frac), nil
	}
}

// compareFractions compares the fractional-second suffixes (including the
// leading '.') as decimals of arbitrary, possibly unequal precision.
func compareFractions(a, b string) int {
	a = padFraction(a)
	b = padFraction(b)
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		da, db := byte('0'), byte('0')
		if i < len(a) {
			da = a[i]
		}
		if i < len(b) {
			db = b[i]
		}
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

func padFraction(f string) string {
	if f == "" {
		return ""
	}
	return f[1:] // drop leading '.'
}

// SortKey encodes t as a fixed-width, byte-lexicographically sortable key:
// 8 bytes of big-endian UTC-normalized unix seconds followed by 4 bytes of
// big-endian microseconds-of-second. Two canonical nonces break ties the
// same way bytes.Compare does, so the TimestampIdx table can use mdbx's
// default comparator and still deliver next_chronological in true
// calendar order, the same trick Nonce plays with its own fixed width.
// Fractional precision beyond microseconds is truncated, not rounded.
func (t Timestamp) SortKey() ([]byte, error) {
	c, err := parseTimestamp(t)
	if err != nil {
		return nil, err
	}
	days, sec := c.asUTCOrdinal()
	unixSec := days*86400 + int64(sec)
	if unixSec < 0 {
		return nil, fmt.Errorf("jalrecord: timestamp %q predates the unix epoch, unsupported", t)
	}
	micros := fractionToMicros(c.frac)
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], uint64(unixSec))
	binary.BigEndian.PutUint32(buf[8:12], micros)
	return buf, nil
}

// fractionToMicros truncates a parsed ".NNNN..." fractional-second suffix
// to whole microseconds.
func fractionToMicros(frac string) uint32 {
	digits := padFraction(frac)
	if digits == "" {
		return 0
	}
	if len(digits) > 6 {
		digits = digits[:6]
	} else {
		digits += strings.Repeat("0", 6-len(digits))
	}
	v, _ := strconv.Atoi(digits)
	return uint32(v)
}

// Valid reports whether ts parses as a well-formed xsd:dateTime.
func (t Timestamp) Valid() bool {
	_, err := parseTimestamp(t)
	return err == nil
}

// Now formats the host's current local time as an xsd:dateTime with
// microsecond precision, used to seed a live-mode subscribe cursor.
func Now() Timestamp {
	return Timestamp(time.Now().Format("2006-01-02T15:04:05.000000Z07:00"))
}
