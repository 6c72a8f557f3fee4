// Copyright 2024 Jigsaw Operations LLC
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

package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetHandlerRespectsLevel(t *testing.T) {
	prev := logger.Load()
	defer logger.Store(prev)

	buf := new(bytes.Buffer)
	SetHandler(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	Debugf("hidden %d", 1)
	Infof("shown %d", 2)
	Warn("Component(fn) - warned", "key", "value")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown 2")
	require.Contains(t, out, "key=value")
}

func TestSetHandlerIgnoresNil(t *testing.T) {
	prev := logger.Load()
	SetHandler(nil)
	require.Same(t, prev, logger.Load())
}
