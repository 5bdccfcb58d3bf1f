// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import (
	"strings"

	"go.machipc.dev/machipc/src/lib/mach/msg"
)

// Option is the mach_msg_option_t bit set passed to the kernel.
type Option uint32

const (
	OptionNone Option = 0

	Send             Option = 0x00000001
	Receive          Option = 0x00000002
	ReceiveLarge     Option = 0x00000004
	ReceiveLargeID   Option = 0x00000008
	SendTimeout      Option = 0x00000010
	SendOverride     Option = 0x00000020
	SendInterrupt    Option = 0x00000040
	SendNotify       Option = 0x00000080
	ReceiveTimeout   Option = 0x00000100
	StrictReply      Option = 0x00000200
	ReceiveInterrupt Option = 0x00000400
	ReceiveVoucher   Option = 0x00000800
	ReceiveGuarded   Option = 0x00001000
	ReceiveSyncWait  Option = 0x00004000
	ReceiveSyncPeek  Option = 0x00008000

	SendFilterNonfatal       Option = 0x00010000
	SendTrailer              Option = 0x00020000
	SendNoImportance         Option = 0x00040000
	SendSyncOverride         Option = 0x00100000
	SendPropagateQoS         Option = 0x00200000
	SendSyncBootstrapCheckin Option = 0x00800000

	trailerMask Option = 0xff000000
)

// ReceiveTrailer returns the option bits that ask the kernel for a trailer
// of the given format and level.
func ReceiveTrailer(format msg.TrailerFormat, elements msg.TrailerElements) Option {
	return Option(msg.MakeTrailerType(format, elements))
}

// TrailerElements returns the trailer level requested by o.
func (o Option) TrailerElements() msg.TrailerElements {
	return msg.TrailerType(o & trailerMask).Elements()
}

var optionNames = []struct {
	bit  Option
	name string
}{
	{Send, "send"},
	{Receive, "receive"},
	{ReceiveLarge, "receive-large"},
	{ReceiveLargeID, "receive-large-identity"},
	{SendTimeout, "send-timeout"},
	{SendOverride, "send-override"},
	{SendInterrupt, "send-interrupt"},
	{SendNotify, "send-notify"},
	{ReceiveTimeout, "receive-timeout"},
	{StrictReply, "strict-reply"},
	{ReceiveInterrupt, "receive-interrupt"},
	{ReceiveVoucher, "receive-voucher"},
	{ReceiveGuarded, "receive-guarded-desc"},
	{ReceiveSyncWait, "receive-sync-wait"},
	{ReceiveSyncPeek, "receive-sync-peek"},
	{SendFilterNonfatal, "send-filter-nonfatal"},
	{SendTrailer, "send-trailer"},
	{SendNoImportance, "send-noimportance"},
	{SendSyncOverride, "send-sync-override"},
	{SendPropagateQoS, "send-propagate-qos"},
	{SendSyncBootstrapCheckin, "send-sync-bootstrap-checkin"},
}

func (o Option) String() string {
	if o == OptionNone {
		return "none"
	}
	var parts []string
	for _, n := range optionNames {
		if o&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if o&trailerMask != 0 {
		parts = append(parts, "trailer="+o.TrailerElements().String())
	}
	return strings.Join(parts, "|")
}

// DefaultReceiveSize is the receive buffer size used when Options leaves it
// unset. It does not include room for the trailer.
const DefaultReceiveSize = 4096

// Options configures one Transport operation. The zero value sends and
// receives with no extra options and a DefaultReceiveSize buffer.
type Options struct {
	// Send holds extra options for the send half.
	Send Option
	// Receive holds extra options for the receive half, including the
	// trailer request built with ReceiveTrailer.
	Receive Option
	// ReceiveSize is the largest message, trailer excluded, the receive half
	// accepts.
	ReceiveSize int
	// Notify is the notification port for SendNotify.
	Notify msg.PortName
}

func (o Options) receiveSize() int {
	if o.ReceiveSize > 0 {
		return o.ReceiveSize
	}
	return DefaultReceiveSize
}
