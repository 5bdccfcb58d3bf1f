// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// machmsg encodes, decodes and exchanges Mach messages.
package main

import (
	"context"
	"flag"
	"os"
	"syscall"

	"github.com/golang/glog"
	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&EncodeCommand{}, "")
	subcommands.Register(&DecodeCommand{}, "")
	subcommands.Register(&EchoCommand{}, "")

	flag.Parse()

	ctx := cancelOnSignals(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := subcommands.Execute(ctx)
	glog.Flush()
	os.Exit(int(status))
}
