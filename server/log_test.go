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
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoggerWarnfEmitsMessage(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, zerolog.InfoLevel)
	log.Warnf("fallback to wildcard for %s", "example.com")
	assert.Contains(t, buf.String(), "fallback to wildcard for example.com")
	assert.Contains(t, buf.String(), `"warn"`)
}

func TestLoggerDebugfSuppressedAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, zerolog.InfoLevel)
	log.Debugf("should not appear")
	assert.Empty(t, buf.String())
}

func TestNilLoggerIsSafeToUse(t *testing.T) {
	var log *Logger
	assert.NotPanics(t, func() {
		log.Noticef("nil logger still works")
	})
}

func TestNopLoggerDiscardsOutput(t *testing.T) {
	log := NewNopLogger()
	assert.NotPanics(t, func() {
		log.Errorf("discarded")
		log.TraceDump("x", struct{ A int }{1})
	})
}
