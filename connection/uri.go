////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package connection

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// URI schemes. The secure scheme upgrades the control channel after the
// challenge.
const (
	Scheme       = "mcast"
	SecureScheme = "mcasts"
)

// DefaultPort is the control port used when a URI names none.
const DefaultPort = 1818

// Error messages.
const (
	errParseURI  = "failed to parse URI %q: %+v"
	errURIScheme = "URI %q has unsupported scheme %q; expected %s or %s"
	errURIHost   = "URI %q has no host"
	errURIPort   = "URI %q has invalid port %q"
)

// Endpoint is a parsed server URI.
type Endpoint struct {
	// Address is the host:port of the control channel.
	Address string

	// Secure is true if the control channel is upgraded after the challenge.
	Secure bool

	// Path is the requested file or directory; may be empty.
	Path string
}

// ParseURI parses a URI of the form mcast[s]://host[:port][/path].
func ParseURI(uri string) (Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, errors.Errorf(errParseURI, uri, err)
	}

	var e Endpoint
	switch strings.ToLower(u.Scheme) {
	case Scheme:
	case SecureScheme:
		e.Secure = true
	default:
		return Endpoint{}, errors.Errorf(errURIScheme, uri, u.Scheme,
			Scheme, SecureScheme)
	}

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, errors.Errorf(errURIHost, uri)
	}

	port := DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, errors.Errorf(errURIPort, uri, p)
		}
	}

	e.Address = net.JoinHostPort(host, strconv.Itoa(port))
	e.Path = strings.TrimPrefix(u.Path, "/")
	return e, nil
}

// String returns the endpoint as a URI.
func (e Endpoint) String() string {
	scheme := Scheme
	if e.Secure {
		scheme = SecureScheme
	}
	u := url.URL{Scheme: scheme, Host: e.Address, Path: "/" + e.Path}
	return u.String()
}
