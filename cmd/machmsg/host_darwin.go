// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build darwin && cgo

package main

import (
	"go.uber.org/multierr"

	"go.machipc.dev/machipc/src/lib/mach/transport"
)

// hostEndpoints serves and calls from the calling task through the host
// kernel. Both ends share one task, so the send right lives under the
// service port's own name.
func hostEndpoints() (*echoEndpoints, error) {
	port, err := transport.ServicePort()
	if err != nil {
		return nil, err
	}
	replyPort := transport.ReplyPort()
	t := transport.New(transport.Host())
	return &echoEndpoints{
		server:    t,
		client:    t,
		port:      port,
		send:      port,
		replyPort: replyPort,
		close: func() error {
			return multierr.Combine(
				transport.DestroyPort(port, true),
				transport.DestroyPort(replyPort, false))
		},
	}, nil
}
