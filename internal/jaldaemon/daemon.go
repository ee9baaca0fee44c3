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

// Package jaldaemon is the daemon shell: bring-up order, signal handling,
// the per-record-type session registries, graceful shutdown and the exit
// codes SPEC_FULL.md section 3 describes.
package jaldaemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	log "github.com/erigontech/erigon-lib/log/v3"

	"github.com/jalop-project/jald/internal/jalconfig"
	"github.com/jalop-project/jald/internal/jalkv"
	"github.com/jalop-project/jald/internal/jalkv/mdbxkv"
	"github.com/jalop-project/jald/internal/jalpolicy"
	"github.com/jalop-project/jald/internal/jalrecord"
	"github.com/jalop-project/jald/internal/jalsession"
	"github.com/jalop-project/jald/internal/jalstore"
	"github.com/jalop-project/jald/internal/jaltransport"
)

// ExitCode mirrors spec.md section 6's four daemon outcomes.
type ExitCode int

const (
	ExitClean            ExitCode = 0
	ExitConfigFailure    ExitCode = 1
	ExitStoreInitFailure ExitCode = 2
	ExitForcedAfterDrain ExitCode = 3
)

// drainTimeout bounds how long Run waits for in-flight sessions to finish
// after a shutdown signal before forcing exit code 3, spec.md section 6's
// "forced exit with sessions still draining past the shutdown timeout."
const drainTimeout = 30 * time.Second

// Daemon is the bring-up object: one shared jalkv.DB, one jalstore.Store
// per record type, the peer policy directory, metrics, and the
// per-record-type session registry.
type Daemon struct {
	cfg *jalconfig.Config
	log log.Logger

	lock *flock.Flock
	db   jalkv.DB

	stores map[jalrecord.Type]*jalstore.Store
	policy *jalpolicy.Directory

	registry *prometheus.Registry
	metrics  *Metrics

	sessionsMu sync.Mutex
	sessions   map[jalrecord.Type]map[string]*jalsession.Session

	exiting       atomic.Bool
	threadsToExit atomic.Int64

	tlsConfig *tls.Config
}

// New runs the bring-up order SPEC_FULL.md section 3 lists: acquire the
// PID-file lock, open the shared store, build the peer policy directory.
// Config loading and logger construction (see NewLogger) happen before
// New is called, mapping to exit code 1 on failure; failures inside New
// map to exit code 2, store initialization failure.
func New(cfg *jalconfig.Config, lg log.Logger) (*Daemon, error) {
	lock := flock.New(cfg.PIDFile)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("jaldaemon: acquire pid lock %s: %w", cfg.PIDFile, err)
	}
	if !locked {
		return nil, fmt.Errorf("jaldaemon: another instance already holds %s", cfg.PIDFile)
	}

	schema := jalkv.FullSchema(recordTypeNames())
	db, err := mdbxkv.Open(filepath.Join(cfg.DBRoot, "jald.mdbx"), schema)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("jaldaemon: open store: %w", err)
	}

	stores := make(map[jalrecord.Type]*jalstore.Store, len(jalrecord.AllTypes))
	for _, t := range jalrecord.AllTypes {
		st, err := jalstore.New(db, t, jalstore.Config{
			DBRoot:            cfg.DBRoot,
			InlineThreshold:   1 << 16,
			CompressThreshold: 1 << 16,
			CacheSize:         4096,
		}, lg)
		if err != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("jaldaemon: open %s store: %w", t, err)
		}
		stores[t] = st
	}

	entries := make([]jalpolicy.Entry, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		entries = append(entries, jalpolicy.Entry{
			Hosts:          p.Hosts,
			PublishAllow:   jalpolicy.AllowFromTypes(p.PublishAllowTypes()),
			SubscribeAllow: jalpolicy.AllowFromTypes(p.SubscribeAllowTypes()),
		})
	}
	policy := jalpolicy.NewDirectory(context.Background(), entries, lg)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	d := &Daemon{
		cfg:      cfg,
		log:      lg,
		lock:     lock,
		db:       db,
		stores:   stores,
		policy:   policy,
		registry: reg,
		metrics:  metrics,
		sessions: map[jalrecord.Type]map[string]*jalsession.Session{},
	}
	for _, t := range jalrecord.AllTypes {
		d.sessions[t] = map[string]*jalsession.Session{}
	}

	if cfg.EnableTLS {
		tlsCfg, err := jaltransport.ServerTLSConfig(cfg.PublicCert, cfg.PrivateKey, cfg.RemoteCertDir)
		if err != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("jaldaemon: build TLS config: %w", err)
		}
		d.tlsConfig = tlsCfg
	}

	return d, nil
}

func recordTypeNames() []string {
	names := make([]string, len(jalrecord.AllTypes))
	for i, t := range jalrecord.AllTypes {
		names[i] = t.String()
	}
	return names
}

// Close releases the store and PID lock. Call only after Run has
// returned.
func (d *Daemon) Close() error {
	err := d.db.Close()
	if unlockErr := d.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// Run blocks until a shutdown signal is handled and every in-flight
// session has drained (or the drain timeout elapses), or ctx is
// cancelled, or a listener fails outright.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	adminAddr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port+1)
	adminSrv := &http.Server{Addr: adminAddr, Handler: d.adminRouter()}
	g.Go(func() error {
		d.log.Info("admin listener starting", "addr", adminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("jaldaemon: admin listener: %w", err)
		}
		return nil
	})

	peerAddr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	ln, err := d.listen(peerAddr)
	if err != nil {
		return fmt.Errorf("jaldaemon: peer listener: %w", err)
	}
	d.log.Info("peer listener starting", "addr", peerAddr, "tls", d.tlsConfig != nil)

	g.Go(func() error { return d.acceptLoop(gctx, ln) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			d.exiting.Store(true)
			_ = ln.Close()
			_ = adminSrv.Close()
			return nil
		case sig := <-sigCh:
			d.log.Info("received shutdown signal, draining sessions", "signal", sig.String())
			d.exiting.Store(true)
			_ = ln.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(shutdownCtx)
			return d.awaitDrain(drainTimeout)
		}
	})

	return g.Wait()
}

func (d *Daemon) listen(addr string) (net.Listener, error) {
	if d.tlsConfig != nil {
		return tls.Listen("tcp", addr, d.tlsConfig)
	}
	return net.Listen("tcp", addr)
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.exiting.Load() {
				return nil
			}
			return fmt.Errorf("jaldaemon: accept: %w", err)
		}
		d.threadsToExit.Add(1)
		go func() {
			defer d.threadsToExit.Add(-1)
			d.handleConn(ctx, jaltransport.NewConn(conn))
		}()
	}
}

// awaitDrain polls threadsToExit until it reaches zero or timeout elapses,
// the real-primitive replacement SPEC_FULL.md section 3 describes for
// spec.md section 5's "threads_to_exit counter" cancellation model.
func (d *Daemon) awaitDrain(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.threadsToExit.Load() == 0 {
			return nil
		}
		select {
		case <-deadline.C:
			return errForcedExit
		case <-ticker.C:
		}
	}
}

var errForcedExit = fmt.Errorf("jaldaemon: forced exit, sessions still draining past the shutdown timeout")

// ErrForcedExit is the sentinel a caller of Run maps to ExitForcedAfterDrain.
func ErrForcedExit() error { return errForcedExit }

func (d *Daemon) registerSession(t jalrecord.Type, remote string, sess *jalsession.Session) {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	d.sessions[t][remote] = sess
	d.metrics.ActiveSessions.WithLabelValues(t.String()).Inc()
}

func (d *Daemon) unregisterSession(t jalrecord.Type, remote string) {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	delete(d.sessions[t], remote)
	d.metrics.ActiveSessions.WithLabelValues(t.String()).Dec()
}
