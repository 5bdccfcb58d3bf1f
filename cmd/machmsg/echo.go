// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/google/subcommands"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.machipc.dev/machipc/src/lib/mach/loopback"
	"go.machipc.dev/machipc/src/lib/mach/mig"
	"go.machipc.dev/machipc/src/lib/mach/msg"
	"go.machipc.dev/machipc/src/lib/mach/transport"
	"go.machipc.dev/machipc/src/lib/retry"
)

// echoBase is the first routine id of the echo subsystem.
const echoBase = 4000

type echoRequest struct {
	Seq uint32
}

type echoReply struct {
	Seq uint32
	Len uint32
}

// echo returns the out-of-line data of a request.
func echo(ctx context.Context, req *msg.Message) (*msg.Message, error) {
	var args echoRequest
	if err := mig.DecodeRequest(req, &args); err != nil {
		return nil, err
	}
	if req.Body == nil || len(req.Body.Descriptors) != 1 {
		return nil, mig.BadArguments
	}
	ool, ok := req.Body.Descriptors[0].(*msg.OOLDescriptor)
	if !ok {
		return nil, mig.BadArguments
	}
	return mig.NewReply(&echoReply{Seq: args.Seq, Len: uint32(ool.Len())}, &msg.OOLDescriptor{Data: ool.Data, Copy: ool.Copy})
}

type EchoCommand struct {
	count   int
	size    int
	copyOpt string
	timeout time.Duration
	retries uint64
	giveUp  time.Duration
	host    bool
}

func (*EchoCommand) Name() string {
	return "echo"
}

func (*EchoCommand) Usage() string {
	return "echo [-n count] [-size bytes] [-copy option] [-timeout duration] [-retries n] [-give-up duration] [-host]"
}

func (*EchoCommand) Synopsis() string {
	return "runs MIG echo calls between a client and a server and reports throughput"
}

func (cmd *EchoCommand) SetFlags(f *flag.FlagSet) {
	f.IntVar(&cmd.count, "n", 1000, "the number of calls")
	f.IntVar(&cmd.size, "size", 4096, "the out-of-line bytes sent with each call")
	f.StringVar(&cmd.copyOpt, "copy", "virtual", "the copy option of the out-of-line data (physical, virtual, allocate)")
	f.DurationVar(&cmd.timeout, "timeout", time.Minute, "give up after this long")
	f.Uint64Var(&cmd.retries, "retries", 3, "consecutive server failures tolerated before the run fails")
	f.DurationVar(&cmd.giveUp, "give-up", time.Second, "how long server failures may persist before the run fails")
	f.BoolVar(&cmd.host, "host", false, "use the host kernel instead of an in-process one (darwin only)")
}

func (cmd *EchoCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := cmd.execute(ctx, os.Stdout); err != nil {
		glog.Error(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type echoStats struct {
	calls   int
	bytes   uint64
	elapsed time.Duration
}

// echoEndpoints are the two ends of an echo run.
type echoEndpoints struct {
	server *transport.Transport
	client *transport.Transport
	// port is the server's receive right and send the client's send right
	// to it.
	port      msg.PortName
	send      msg.PortName
	replyPort msg.PortName
	close     func() error
}

// loopbackEndpoints sets up a server task and a client task on an in-process
// kernel.
func loopbackEndpoints() (_ *echoEndpoints, err error) {
	k := loopback.New()
	serverTask := k.NewTask(loopback.Credentials{PID: 1})
	clientTask := k.NewTask(loopback.Credentials{
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
		PID: uint32(os.Getpid()),
	})
	ep := &echoEndpoints{
		server: transport.New(serverTask),
		client: transport.New(clientTask),
		close: func() error {
			return multierr.Combine(clientTask.Close(), serverTask.Close())
		},
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ep.close())
		}
	}()
	if ep.port, err = serverTask.AllocatePort(); err != nil {
		return nil, err
	}
	if ep.send, err = serverTask.Give(clientTask, ep.port, msg.MakeSend); err != nil {
		return nil, err
	}
	if ep.replyPort, err = clientTask.AllocatePort(); err != nil {
		return nil, err
	}
	return ep, nil
}

func (cmd *EchoCommand) execute(ctx context.Context, w io.Writer) (err error) {
	if cmd.size <= 0 {
		return fmt.Errorf("-size must be positive")
	}
	copyOpt, err := msg.ParseCopyOption(cmd.copyOpt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cmd.timeout)
	defer cancel()

	newEndpoints := loopbackEndpoints
	if cmd.host {
		newEndpoints = hostEndpoints
	}
	ep, err := newEndpoints()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, ep.close())
	}()

	server := mig.NewServer(ep.server, ep.port, echoBase, []mig.Handler{echo}, mig.ServerOptions{
		PollInterval: 50 * time.Millisecond,
		Backoff:      cmd.serverBackoff(),
	})
	client := mig.NewClient(ep.client, ep.send, echoBase, ep.replyPort)

	serveCtx, stopServing := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		if err := server.Serve(gctx, nil); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	var stats echoStats
	g.Go(func() error {
		defer stopServing()
		var err error
		stats, err = runEcho(gctx, client, ep.client.Space(), cmd.count, cmd.size, copyOpt)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	secs := max(stats.elapsed.Seconds(), 1e-9)
	_, err = fmt.Fprintf(w, "%s round trips of %s in %v: %.0f calls/s, %s/s\n",
		humanize.Comma(int64(stats.calls)),
		humanize.Bytes(uint64(cmd.size)),
		stats.elapsed.Round(time.Millisecond),
		float64(stats.calls)/secs,
		humanize.Bytes(uint64(float64(stats.bytes)/secs)))
	return err
}

// serverBackoff stops the server once it has failed -retries times in a row
// or kept failing for -give-up, whichever comes first.
func (cmd *EchoCommand) serverBackoff() retry.Backoff {
	b := retry.NewExponentialBackoff(10*time.Millisecond, 100*time.Millisecond, 2)
	return retry.WithMaxDuration(retry.WithMaxRetries(b, cmd.retries), cmd.giveUp)
}

// runEcho makes count echo calls carrying size bytes each and checks every
// reply.
func runEcho(ctx context.Context, client *mig.Client, space msg.AddressSpace, count, size int, copyOpt msg.CopyOption) (echoStats, error) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	var stats echoStats
	start := time.Now()
	for i := 0; i < count; i++ {
		req, err := mig.NewRequest(&echoRequest{Seq: uint32(i)}, &msg.OOLDescriptor{Data: data, Copy: copyOpt})
		if err != nil {
			return stats, err
		}
		var got echoReply
		reply, err := client.Call(ctx, 0, req, &got)
		if err != nil {
			return stats, fmt.Errorf("call %d: %w", i, err)
		}
		if got.Seq != uint32(i) || got.Len != uint32(size) {
			return stats, fmt.Errorf("call %d: got reply %+v", i, got)
		}
		if reply.Body == nil || len(reply.Body.Descriptors) != 1 {
			return stats, fmt.Errorf("call %d: reply has no out-of-line data", i)
		}
		ool, ok := reply.Body.Descriptors[0].(*msg.OOLDescriptor)
		if !ok || !bytes.Equal(ool.Data, data) {
			return stats, fmt.Errorf("call %d: echoed data differs", i)
		}
		if err := reply.Release(space); err != nil {
			return stats, err
		}
		stats.calls++
		stats.bytes += 2 * uint64(size)
	}
	stats.elapsed = time.Since(start)
	return stats, nil
}
