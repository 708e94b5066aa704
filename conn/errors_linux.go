// Copyright 2016 Google Inc.
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

package conn

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/metal-stack/dhcp4client/client"
)

func errnoKind(err error, fallback client.SocketErrorKind) client.SocketErrorKind {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return fallback
	}
	switch errno {
	case unix.ENODEV, unix.ENXIO:
		return client.SocketNoInterface
	case unix.EHOSTUNREACH:
		return client.SocketHostUnreachable
	case unix.ENETUNREACH, unix.ENETDOWN:
		return client.SocketNetworkUnreachable
	default:
		return fallback
	}
}

// classify wraps an I/O error on an open socket.
func classify(err error) error {
	var se *client.SocketError
	if errors.As(err, &se) {
		return err
	}
	return &client.SocketError{Kind: errnoKind(err, client.SocketOther), Err: err}
}

// openError wraps an error from opening a socket.
func openError(err error) error {
	var se *client.SocketError
	if errors.As(err, &se) {
		return err
	}
	return &client.SocketError{Kind: errnoKind(err, client.SocketFailedToOpen), Err: err}
}
