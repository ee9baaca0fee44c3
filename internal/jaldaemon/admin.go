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

package jaldaemon

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jalop-project/jald/internal/jalrecord"
)

// adminRouter builds the admin API: health, Prometheus scrape endpoint,
// and a per-record-type stats snapshot, served on a listener separate
// from the peer-facing transport per SPEC_FULL.md section 0's metrics
// paragraph.
func (d *Daemon) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", d.handleHealthz)
	r.Get("/stats", d.handleStats)
	r.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	return r
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if d.exiting.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statsResponse struct {
	RecordType    string `json:"record_type"`
	MaxNonce      string `json:"max_nonce"`
	UnsentCount   int    `json:"unsent_count"`
	UnsyncedCount int    `json:"unsynced_count"`
}

func (d *Daemon) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make([]statsResponse, 0, len(jalrecord.AllTypes))
	for _, t := range jalrecord.AllTypes {
		store, ok := d.stores[t]
		if !ok {
			continue
		}
		st, err := store.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, statsResponse{
			RecordType:    t.String(),
			MaxNonce:      st.MaxNonce.String(),
			UnsentCount:   st.UnsentCount,
			UnsyncedCount: st.UnsyncedCount,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
