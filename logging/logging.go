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

/*
Package logging is a centralized logging system for the DNS VPN's Go backend.
It offers efficient logging methods that save CPU power by only formatting
messages that need to be logged.

Messages follow the "Component(function) - message" convention, followed by
structured key/value pairs.
*/
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

var level = new(slog.LevelVar)

var logger atomic.Pointer[slog.Logger]

func init() {
	level.Set(slog.LevelWarn)
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// SetLevel changes the minimum level of the default handler.
// It has no effect on handlers installed with SetHandler.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the level variable used by the default handler, so that a
// replacement handler can share it.
func Level() *slog.LevelVar {
	return level
}

// SetHandler replaces the handler used by every logging function.
// A nil handler is ignored.
func SetHandler(h slog.Handler) {
	if h == nil {
		return
	}
	logger.Store(slog.New(h))
}

func enabled(l slog.Level) bool {
	return logger.Load().Enabled(context.Background(), l)
}

func Debug(msg string, args ...any) {
	logger.Load().Debug(msg, args...)
}

func Debugf(format string, args ...any) {
	if !enabled(slog.LevelDebug) {
		return
	}
	logger.Load().Debug(fmt.Sprintf(format, args...))
}

func Info(msg string, args ...any) {
	logger.Load().Info(msg, args...)
}

func Infof(format string, args ...any) {
	if !enabled(slog.LevelInfo) {
		return
	}
	logger.Load().Info(fmt.Sprintf(format, args...))
}

func Warn(msg string, args ...any) {
	logger.Load().Warn(msg, args...)
}

func Warnf(format string, args ...any) {
	if !enabled(slog.LevelWarn) {
		return
	}
	logger.Load().Warn(fmt.Sprintf(format, args...))
}

func Err(msg string, args ...any) {
	logger.Load().Error(msg, args...)
}

func Errf(format string, args ...any) {
	if !enabled(slog.LevelError) {
		return
	}
	logger.Load().Error(fmt.Sprintf(format, args...))
}
