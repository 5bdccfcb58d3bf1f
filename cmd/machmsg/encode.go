// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/google/subcommands"
	"go.uber.org/multierr"

	"go.machipc.dev/machipc/src/lib/mach/msg"
)

type EncodeCommand struct {
	input   string
	raw     bool
	trailer string
}

func (*EncodeCommand) Name() string {
	return "encode"
}

func (*EncodeCommand) Usage() string {
	return "encode [-f message.yaml] [-raw] [-trailer level]"
}

func (*EncodeCommand) Synopsis() string {
	return "encodes a YAML message description into wire format"
}

func (cmd *EncodeCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.input, "f", "-", "the YAML message description, or - for stdin")
	f.BoolVar(&cmd.raw, "raw", false, "write binary instead of hex")
	f.StringVar(&cmd.trailer, "trailer", "", "append a trailer of this level (seqno, sender, audit, context, av, labels)")
}

func (cmd *EncodeCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := cmd.execute(os.Stdout); err != nil {
		glog.Error(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (cmd *EncodeCommand) execute(w io.Writer) error {
	in, err := openInput(cmd.input)
	if err != nil {
		return err
	}
	defer in.Close()
	d, err := readDescription(in)
	if err != nil {
		return err
	}
	m, err := d.message()
	if err != nil {
		return err
	}
	if cmd.trailer != "" {
		elements, err := msg.ParseTrailerElements(cmd.trailer)
		if err != nil {
			return err
		}
		m.Trailer = msg.NewTrailer(elements)
	}
	b, err := encode(m)
	if err != nil {
		return err
	}
	glog.Infof("encoded %s message", humanize.Bytes(uint64(len(b))))
	if cmd.raw {
		_, err = w.Write(b)
		return err
	}
	_, err = fmt.Fprintln(w, hex.EncodeToString(b))
	return err
}

// encode marshals m. Out-of-line data goes into a scratch arena that is
// unmapped before returning, so the addresses in the output only identify
// regions.
func encode(m *msg.Message) (b []byte, err error) {
	space := msg.NewArena()
	defer func() {
		err = multierr.Append(err, space.Close())
	}()
	enc, err := msg.Marshal(m, space)
	if err != nil {
		return nil, err
	}
	if space.Len() > 0 {
		glog.Warningf("%d out-of-line regions are not carried by the encoding", space.Len())
	}
	return enc.Bytes, nil
}
