// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build !(darwin && cgo)

package main

import (
	"errors"
	"runtime"
)

func hostEndpoints() (*echoEndpoints, error) {
	return nil, errors.New("-host needs a cgo build on darwin, not " + runtime.GOOS)
}
