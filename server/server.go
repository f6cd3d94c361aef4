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
	"crypto/tls"
	"net"
)

// StartListener validates o, binds a TCP (or TLS) listener, registers a
// single prefix binding on it (WebSocket host, HTTP handler, or both), and
// starts the accept loop in its own
// goroutine, grounded on the teacher's startWebsocketServer. Unlike the
// teacher's one-listener-per-process model, the returned *EndpointListener
// is obtained from reg, so further prefixes can be registered on the same
// (address, port) after startup.
func StartListener(reg *Registry, o *Options, host BehaviorHost, httpHandler HTTPHandler, path string) (*EndpointListener, error) {
	if err := validateOptions(o); err != nil {
		return nil, err
	}

	secure := o.TLSConfig != nil
	ep := reg.Endpoint(o.Host, o.Port, secure)

	binding := PrefixBinding{Auth: NewAuthenticatorFromOptions(o)}
	if host != nil {
		binding.WS = &WSBinding{
			Host:         host,
			Subprotocols: o.Subprotocols,
			OfferDeflate: o.OfferDeflate,
			CheckOrigin:  o.CheckOrigin(o.ListenAddress()),
			ConnOptions:  ConnOptionsFromOptions(o),
		}
	}
	if httpHandler != nil {
		binding.HTTPHandler = httpHandler
	}
	if _, err := ep.Register(o.Host, path, binding); err != nil {
		return nil, err
	}

	var ln net.Listener
	var err error
	if secure {
		ln, err = tls.Listen("tcp", o.ListenAddress(), o.TLSConfig.Clone())
	} else {
		ln, err = net.Listen("tcp", o.ListenAddress())
	}
	if err != nil {
		return nil, wrapErr(TransportError, 0, err, "binding listener on %s", o.ListenAddress())
	}

	log := o.Logger
	if log == nil {
		log = NewNopLogger()
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	} else {
		log.Warnf("listener on %s is not configured with TLS", o.ListenAddress())
	}
	log.Noticef("listening for %s clients on %s", scheme, ln.Addr())

	go ep.Bind(ln)
	return ep, nil
}
