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

// Package jaldigest is the pluggable digest engine spec.md section 4.5
// describes: a session picks one Algorithm at handshake time and keeps it
// for its lifetime. Rather than inventing a bespoke create/init/update/
// final/destroy vtable, algorithms are modeled as the standard library's
// own hash.Hash factory pattern (the same shape crypto.RegisterHash uses)
// so every algorithm is just "a name and a constructor".
package jaldigest

import (
	"fmt"
	"hash"

	"crypto/sha256"

	"golang.org/x/crypto/sha3"
)

// Algorithm names a digest function by the URI used on the wire at
// handshake time and knows how to construct a fresh hash.Hash for it.
type Algorithm interface {
	URI() string
	New() hash.Hash
}

type algo struct {
	uri string
	new func() hash.Hash
}

func (a algo) URI() string     { return a.uri }
func (a algo) New() hash.Hash { return a.new() }

// SHA256 is the default algorithm: the URI matches the XML digital
// signature namespace's sha256 identifier, the one every JALoP deployment
// is expected to support.
var SHA256 Algorithm = algo{
	uri: "http://www.w3.org/2001/04/xmlenc#sha256",
	new: sha256.New,
}

// SHA3_512 is the alternate algorithm a session may negotiate instead.
var SHA3_512 Algorithm = algo{
	uri: "http://www.w3.org/2007/05/xmldsig-more#sha3-512",
	new: sha3.New512,
}

// registry is consulted during the initialize handshake (spec.md section
// 4.3) to turn the peer's proposed algorithm URI list into something this
// daemon can actually run.
var registry = map[string]Algorithm{
	SHA256.URI():   SHA256,
	SHA3_512.URI(): SHA3_512,
}

// ByURI resolves a handshake-proposed algorithm URI to an Algorithm.
func ByURI(uri string) (Algorithm, bool) {
	a, ok := registry[uri]
	return a, ok
}

// SelectFirst returns the first of the peer's proposed URIs this daemon
// also supports, preserving the peer's preference order — the
// "local side selects one digest" step of initialize.
func SelectFirst(proposed []string) (Algorithm, error) {
	for _, uri := range proposed {
		if a, ok := registry[uri]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("jaldigest: no proposed algorithm is supported: %v", proposed)
}

// Instance is the create/init/update/final/destroy lifecycle spec.md
// section 4.5 names, expressed as a thin wrapper over hash.Hash: Create is
// "create"+"init" together (a fresh hash.Hash is already initialized),
// Update is Write, Final is Sum, and Destroy drops the reference for the
// garbage collector — there is no native resource to release.
type Instance struct {
	h    hash.Hash
	algo Algorithm
}

// Create starts a new digest instance for algo.
func Create(a Algorithm) *Instance {
	return &Instance{h: a.New(), algo: a}
}

// Update feeds more bytes into the running digest. It never fails — the
// only failure mode the standard hash.Hash interface admits is a short
// Write, which would itself be a non-recoverable I/O bug, not a digest
// error, so callers check their own write results instead.
func (i *Instance) Update(p []byte) { i.h.Write(p) }

// Final returns the digest over everything written so far.
func (i *Instance) Final() []byte { return i.h.Sum(nil) }

// Destroy releases the instance. Safe to call more than once.
func (i *Instance) Destroy() { i.h = nil }

func (i *Instance) AlgorithmURI() string { return i.algo.URI() }

func (i *Instance) OutputLength() int {
	if i.h == nil {
		return 0
	}
	return i.h.Size()
}
