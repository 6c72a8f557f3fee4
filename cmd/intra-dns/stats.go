// Copyright 2025 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Jigsaw-Code/intra-dnsvpn/intra/ledger"
	"github.com/Jigsaw-Code/intra-dnsvpn/logging"
)

func statsHandler(t *ledger.Tracker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(t.Snapshot()); err != nil {
			logging.Debug("IntraDNS(stats) - failed to write stats", "err", err)
		}
	})
	return mux
}

// startStatsServer serves the tracker snapshot as JSON at /stats on addr.
func startStatsServer(addr string, t *ledger.Tracker) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{
		Handler:           statsHandler(t),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logging.Err("IntraDNS(stats) - stats server failed", "err", err)
		}
	}()
	return srv, ln.Addr(), nil
}
