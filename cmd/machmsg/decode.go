// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/google/subcommands"
	"github.com/kr/pretty"

	"go.machipc.dev/machipc/src/lib/mach/msg"
)

type DecodeCommand struct {
	input   string
	raw     bool
	trailer string
	verbose bool
}

func (*DecodeCommand) Name() string {
	return "decode"
}

func (*DecodeCommand) Usage() string {
	return "decode [-f file] [-raw] [-trailer level] [-v]"
}

func (*DecodeCommand) Synopsis() string {
	return "decodes a wire-format message and prints it"
}

func (cmd *DecodeCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.input, "f", "-", "the encoded message, or - for stdin")
	f.BoolVar(&cmd.raw, "raw", false, "read binary instead of hex")
	f.StringVar(&cmd.trailer, "trailer", "null", "the trailer level the message was received with")
	f.BoolVar(&cmd.verbose, "v", false, "dump the decoded structure")
}

func (cmd *DecodeCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := cmd.execute(os.Stdout); err != nil {
		glog.Error(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (cmd *DecodeCommand) execute(w io.Writer) error {
	elements, err := msg.ParseTrailerElements(cmd.trailer)
	if err != nil {
		return err
	}
	in, err := openInput(cmd.input)
	if err != nil {
		return err
	}
	defer in.Close()
	b, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	if !cmd.raw {
		if b, err = decodeHex(b); err != nil {
			return fmt.Errorf("invalid hex input: %v", err)
		}
	}
	// Without an address space out-of-line descriptors decode detached.
	m, err := msg.Unmarshal(b, msg.UnmarshalOptions{Trailer: elements})
	if err != nil {
		return err
	}
	if cmd.verbose {
		_, err = fmt.Fprintf(w, "%# v\n", pretty.Formatter(m))
		return err
	}
	summarize(w, m)
	return nil
}
