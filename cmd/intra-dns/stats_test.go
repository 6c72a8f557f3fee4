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
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Jigsaw-Code/intra-dnsvpn/intra/ledger"
	"github.com/stretchr/testify/require"
)

func TestStatsHandler(t *testing.T) {
	tracker := ledger.New(10)
	tracker.PacketDropped(errors.New("bad packet"))

	rec := httptest.NewRecorder()
	statsHandler(tracker).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap ledger.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, int64(1), snap.Dropped)
	require.Zero(t, snap.Queries)

	rec = httptest.NewRecorder()
	statsHandler(tracker).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	statsHandler(tracker).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsServer(t *testing.T) {
	srv, addr, err := startStatsServer("127.0.0.1:0", ledger.New(10))
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("http://%v/stats", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap ledger.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
}
