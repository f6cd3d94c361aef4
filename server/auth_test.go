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
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func plaintextCreds(users map[string]string) CredentialFunc {
	return func(username string) (string, bool) {
		p, ok := users[username]
		return p, ok
	}
}

func TestAuthenticatorValidateBasicSuccess(t *testing.T) {
	a := NewAuthenticator("realm", AuthBasic, plaintextCreds(map[string]string{"alice": "wonderland"}), 10)
	creds := base64.StdEncoding.EncodeToString([]byte("alice:wonderland"))
	err := a.Validate("Basic "+creds, "GET", "/")
	require.NoError(t, err)
}

func TestAuthenticatorValidateBasicBadPassword(t *testing.T) {
	a := NewAuthenticator("realm", AuthBasic, plaintextCreds(map[string]string{"alice": "wonderland"}), 10)
	creds := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	err := a.Validate("Basic "+creds, "GET", "/")
	require.Error(t, err)
}

func TestAuthenticatorValidateBasicBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	require.NoError(t, err)
	a := NewAuthenticator("realm", AuthBasic, plaintextCreds(map[string]string{"bob": string(hash)}), 10)
	creds := base64.StdEncoding.EncodeToString([]byte("bob:s3cret"))
	require.NoError(t, a.Validate("Basic "+creds, "GET", "/"))

	wrong := base64.StdEncoding.EncodeToString([]byte("bob:nope"))
	require.Error(t, a.Validate("Basic "+wrong, "GET", "/"))
}

func TestAuthenticatorDigestRoundTrip(t *testing.T) {
	a := NewAuthenticator("realm", AuthDigest, plaintextCreds(map[string]string{"alice": "secret"}), 10)
	challenges, err := a.BuildChallenges()
	require.NoError(t, err)
	require.Len(t, challenges, 1)

	p := digestParams(challenges[0].Value[len("Digest "):])
	nonce := p["nonce"]

	method, uri := "GET", "/chat"
	ha1 := md5hex("alice:realm:secret")
	ha2 := md5hex(method + ":" + uri)
	nc := "00000001"
	cnonce := "deadbeef"
	qop := "auth"
	resp := md5hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)

	authz := fmt.Sprintf(`username="alice", realm="realm", nonce="%s", uri="%s", qop=auth, nc=%s, cnonce="%s", response="%s"`,
		nonce, uri, nc, cnonce, resp)
	require.NoError(t, a.Validate("Digest "+authz, method, uri))
}

func TestAuthenticatorDigestRejectsNonIncreasingNonceCount(t *testing.T) {
	a := NewAuthenticator("realm", AuthDigest, plaintextCreds(map[string]string{"alice": "secret"}), 10)
	challenges, err := a.BuildChallenges()
	require.NoError(t, err)
	p := digestParams(challenges[0].Value[len("Digest "):])
	nonce := p["nonce"]

	method, uri := "GET", "/chat"
	ha1 := md5hex("alice:realm:secret")
	ha2 := md5hex(method + ":" + uri)
	cnonce := "deadbeef"
	qop := "auth"

	build := func(nc string) string {
		resp := md5hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
		return fmt.Sprintf(`username="alice", realm="realm", nonce="%s", uri="%s", qop=auth, nc=%s, cnonce="%s", response="%s"`,
			nonce, uri, nc, cnonce, resp)
	}

	require.NoError(t, a.Validate("Digest "+build("00000001"), method, uri))
	err = a.Validate("Digest "+build("00000001"), method, uri)
	require.Error(t, err)
	var wserr *WSError
	require.ErrorAs(t, err, &wserr)
	assert.Equal(t, AuthStale, wserr.Kind)
}

func TestAuthenticatorDigestUnknownNonceIsStale(t *testing.T) {
	a := NewAuthenticator("realm", AuthDigest, plaintextCreds(map[string]string{"alice": "secret"}), 10)
	authz := `username="alice", realm="realm", nonce="bogus", uri="/", qop=auth, nc=00000001, cnonce="x", response="y"`
	err := a.Validate("Digest "+authz, "GET", "/")
	require.Error(t, err)
	var wserr *WSError
	require.ErrorAs(t, err, &wserr)
	assert.Equal(t, AuthStale, wserr.Kind)
}

func TestAuthenticatorValidateBearerRejectsMalformedToken(t *testing.T) {
	a := NewAuthenticator("realm", AuthBearerCookie, nil, 10)
	a.TrustedKeys = []string{"AANOTAREALKEY"}
	err := a.Validate("Bearer not-a-real-jwt", "GET", "/")
	require.Error(t, err)
}

func TestAuthenticatorRejectsUnsupportedScheme(t *testing.T) {
	a := NewAuthenticator("realm", AuthBasic, plaintextCreds(nil), 10)
	err := a.Validate("Negotiate xyz", "GET", "/")
	require.Error(t, err)
}
