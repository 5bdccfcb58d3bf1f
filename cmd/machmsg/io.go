// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
)

// openInput opens path for reading, or stdin if path is "-".
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// decodeHex decodes hex text, ignoring whitespace.
func decodeHex(b []byte) ([]byte, error) {
	return hex.DecodeString(string(bytes.Join(bytes.Fields(b), nil)))
}
