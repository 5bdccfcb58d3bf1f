// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package mig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.uber.org/multierr"

	"go.machipc.dev/machipc/src/lib/mach/msg"
	"go.machipc.dev/machipc/src/lib/mach/transport"
	"go.machipc.dev/machipc/src/lib/retry"
)

// Handler runs one routine. It returns the reply to send, which may be nil
// for an empty successful reply, or an error whose code is sent back in an
// error reply. A handler that returns NoReply sends nothing.
type Handler func(ctx context.Context, req *msg.Message) (*msg.Message, error)

// DefaultPollInterval is how often Serve checks its context while no
// requests arrive.
const DefaultPollInterval = 100 * time.Millisecond

// maxFailureWait caps the default wait between failures, in poll intervals.
const maxFailureWait = 8

// ServerOptions configures a Server. The zero value is usable.
type ServerOptions struct {
	// PollInterval bounds each receive in Serve. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration
	// Backoff paces Serve after consecutive failures and decides when it
	// gives up. Nil starts at one poll interval, doubles up to
	// maxFailureWait and never gives up.
	Backoff retry.Backoff
	// Receive is passed to every receive.
	Receive transport.Options
}

// Server dispatches the requests that arrive on one port to the routines of
// a subsystem.
type Server struct {
	t        *transport.Transport
	port     msg.PortName
	base     int32
	handlers []Handler
	opts     ServerOptions
}

// NewServer returns a server for the subsystem numbered from base. Request
// id base+i is dispatched to handlers[i]; nil entries are unknown routines.
func NewServer(t *transport.Transport, port msg.PortName, base int32, handlers []Handler, opts ServerOptions) *Server {
	return &Server{t: t, port: port, base: base, handlers: handlers, opts: opts}
}

// ServeOne receives one request, runs its routine and sends the reply.
func (s *Server) ServeOne(ctx context.Context) error {
	req, err := s.t.Receive(ctx, s.port, s.opts.Receive)
	if err != nil {
		return err
	}
	return s.handle(ctx, req)
}

func (s *Server) handler(id int32) Handler {
	i := int64(id) - int64(s.base)
	if i < 0 || i >= int64(len(s.handlers)) {
		return nil
	}
	return s.handlers[i]
}

// dispatch runs the routine for req and returns the reply to send, or nil
// for none. panicErr is set if the routine panicked.
func (s *Server) dispatch(ctx context.Context, req *msg.Message) (reply *msg.Message, panicErr error) {
	h := s.handler(req.Header.ID)
	if h == nil {
		return NewErrorReply(req, int32(BadID)), nil
	}
	defer func() {
		if r := recover(); r != nil {
			reply = NewErrorReply(req, int32(Exception))
			panicErr = fmt.Errorf("mig: routine %d panicked: %v", req.Header.ID, r)
		}
	}()
	reply, err := h(ctx, req)
	switch {
	case errors.Is(err, NoReply):
		return nil, nil
	case err != nil:
		return NewErrorReply(req, replyCode(err)), nil
	case reply == nil:
		if reply, err = NewReply(nil); err != nil {
			return NewErrorReply(req, int32(RemoteError)), nil
		}
	}
	return reply, nil
}

// handle dispatches req and sends the reply. Borrowed out-of-line memory in
// req is released afterwards, so handlers must copy what they keep.
func (s *Server) handle(ctx context.Context, req *msg.Message) (err error) {
	defer func() {
		err = multierr.Append(err, req.Release(s.t.Space()))
	}()
	reply, panicErr := s.dispatch(ctx, req)
	if reply == nil || req.Header.RemotePort == msg.PortNull {
		return panicErr
	}
	disposition := msg.MoveSendOnce
	if req.Header.Bits.Remote() == msg.PortSend {
		disposition = msg.MoveSend
	}
	reply.Header.ID = ReplyID(req.Header.ID)
	reply.Header.RemotePort = req.Header.RemotePort
	reply.Header.LocalPort = msg.PortNull
	reply.Header.Bits = reply.Header.Bits.WithRemote(disposition).WithLocal(msg.DispositionNone)
	if err := s.t.Send(ctx, reply, transport.Options{}); err != nil {
		return fmt.Errorf("mig: reply to routine %d: %w", req.Header.ID, err)
	}
	return panicErr
}

// Serve serves requests until ctx is done or the backoff gives up after a
// failure. Failures are passed to errHandler, which defaults to logging
// them, and do not stop the loop on their own. Serve returns ctx.Err() or
// the failure that exhausted the backoff.
func (s *Server) Serve(ctx context.Context, errHandler func(error)) error {
	if errHandler == nil {
		errHandler = func(err error) { glog.Warningf("%s", err) }
	}
	poll := s.opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	b := s.opts.Backoff
	if b == nil {
		b = defaultBackoff(poll)
	}
	b.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pollCtx, cancel := context.WithTimeout(ctx, poll)
		req, err := s.t.Receive(pollCtx, s.port, s.opts.Receive)
		cancel()
		if err != nil && ctx.Err() == nil && idle(err) {
			continue
		}
		if err == nil {
			err = s.handle(ctx, req)
		}
		if err == nil {
			b.Reset()
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errHandler(err)
		wait := b.Next()
		if wait == retry.Stop {
			return err
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func defaultBackoff(poll time.Duration) retry.Backoff {
	return retry.NewExponentialBackoff(poll, maxFailureWait*poll, 2)
}

// idle reports whether err only means that no request arrived before the
// poll interval ran out.
func idle(err error) bool {
	return errors.Is(err, transport.ErrTimedOut) || errors.Is(err, context.DeadlineExceeded)
}
