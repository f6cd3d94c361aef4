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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCookieRejectsDollarPrefix(t *testing.T) {
	_, err := NewCookie("$Version", "1")
	require.Error(t, err)
}

func TestParseSetCookieBasic(t *testing.T) {
	c, err := ParseSetCookie(`session=abc123; Path=/; Domain=example.com; Secure; HttpOnly; SameSite=Strict`)
	require.NoError(t, err)
	assert.Equal(t, "session", c.Name)
	assert.Equal(t, "abc123", c.Value)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, "example.com", c.Domain)
	assert.True(t, c.Secure)
	assert.True(t, c.HTTPOnly)
	assert.Equal(t, SameSiteStrict, c.SameSite)
}

func TestParseSetCookieQuotedValue(t *testing.T) {
	c, err := ParseSetCookie(`data="a;b,c"; Path=/`)
	require.NoError(t, err)
	assert.Equal(t, `a;b,c`, c.Value)
}

func TestParseSetCookieExpires(t *testing.T) {
	c, err := ParseSetCookie(`id=1; Expires=Wed, 09-Jun-2021 10:18:14 GMT`)
	require.NoError(t, err)
	assert.Equal(t, 2021, c.Expires.Year())
	assert.True(t, c.Expired())
}

func TestParseSetCookieMaxAgeOverridesExpiresOnFormat(t *testing.T) {
	c, err := NewCookie("id", "1")
	require.NoError(t, err)
	c.Version = 1
	c.HasMaxAge = true
	c.MaxAge = 60
	c.Expires = time.Now().Add(time.Hour)
	out := c.Format()
	assert.Contains(t, out, "Max-Age=60")
	assert.NotContains(t, out, "Expires=")
}

func TestParseCookieHeaderWithDollarAttributes(t *testing.T) {
	cookies, err := ParseCookieHeader(`$Version=1; session=abc; $Path=/; other=xyz`)
	require.NoError(t, err)
	require.Len(t, cookies, 2)
	assert.Equal(t, "session", cookies[0].Name)
	assert.Equal(t, 1, cookies[0].Version)
	assert.Equal(t, "/", cookies[0].Path)
	assert.Equal(t, "other", cookies[1].Name)
}

func TestCookieCollectionSetReplacesByIdentity(t *testing.T) {
	cc := NewCookieCollection()
	c1, _ := NewCookie("a", "1")
	c2, _ := NewCookie("a", "2")
	require.NoError(t, cc.Set(c1))
	require.NoError(t, cc.Set(c2))
	all := cc.All()
	require.Len(t, all, 1)
	assert.Equal(t, "2", all[0].Value)
}

func TestCookieCollectionSetOrRemoveDeletesExpired(t *testing.T) {
	cc := NewCookieCollection()
	c, _ := NewCookie("a", "1")
	require.NoError(t, cc.Set(c))
	expired, _ := NewCookie("a", "2")
	expired.Expires = time.Now().Add(-time.Hour)
	require.NoError(t, cc.SetOrRemove(expired))
	_, ok := cc.Get("a", "", "", 0)
	assert.False(t, ok)
}

func TestCookieCollectionSealRejectsMutation(t *testing.T) {
	cc := NewCookieCollection()
	cc.Seal()
	c, _ := NewCookie("a", "1")
	err := cc.Set(c)
	require.Error(t, err)
}
