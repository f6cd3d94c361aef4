// Copyright 2024 The wsgate Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"io"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger and exposes the Noticef/Warnf/Errorf/Debugf/
// Tracef/Fatalf method set that the rest of this package calls into, so
// call sites read the same as the teacher's internal logger.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger builds a Logger writing to w. When w is a terminal, output is
// colorized via go-colorable/go-isatty; otherwise structured JSON is
// emitted, suitable for log aggregation.
func NewLogger(w io.Writer, level zerolog.Level) *Logger {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = zerolog.ConsoleWriter{Out: colorable.NewColorable(f), TimeFormat: "15:04:05.000"}
	}
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// NewNopLogger returns a Logger that discards everything; useful as a
// zero-value-friendly default so Options need not always set a logger.
func NewNopLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func (l *Logger) base() *Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}

// Noticef logs an informational event (connection accepted, endpoint bound).
func (l *Logger) Noticef(format string, v ...any) { l.base().zl.Info().Msg(fmt.Sprintf(format, v...)) }

// Warnf logs a recoverable anomaly (DNS fallback to wildcard, nonce reuse).
func (l *Logger) Warnf(format string, v ...any) { l.base().zl.Warn().Msg(fmt.Sprintf(format, v...)) }

// Errorf logs a failure that aborted one operation but not the process.
func (l *Logger) Errorf(format string, v ...any) { l.base().zl.Error().Msg(fmt.Sprintf(format, v...)) }

// Debugf logs protocol-level detail (frame headers, handshake negotiation).
func (l *Logger) Debugf(format string, v ...any) { l.base().zl.Debug().Msg(fmt.Sprintf(format, v...)) }

// Tracef logs a formatted message at the most verbose tier. Guarded by the
// zerolog level check so the message is only formatted when trace logging
// is actually enabled; TraceDump is the go-spew variant.
func (l *Logger) Tracef(format string, v ...any) {
	base := l.base()
	if base.zl.GetLevel() > zerolog.TraceLevel {
		return
	}
	base.zl.Trace().Msg(fmt.Sprintf(format, v...))
}

// TraceDump dumps a value with go-spew at Trace level, for connection state
// machine diagnostics where a %v would be too compact to debug framing bugs.
func (l *Logger) TraceDump(label string, v any) {
	base := l.base()
	if base.zl.GetLevel() > zerolog.TraceLevel {
		return
	}
	base.zl.Trace().Msg(label + ":\n" + spew.Sdump(v))
}

// Fatalf logs at error level and terminates the process. Reserved for
// unrecoverable startup failures (listener bind failure), never called from
// per-connection code paths.
func (l *Logger) Fatalf(format string, v ...any) {
	l.base().zl.Fatal().Msg(fmt.Sprintf(format, v...))
}
