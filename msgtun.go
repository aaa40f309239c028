// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import "time"

const (
	// ProtocolVersion is the websocket subprotocol and wire format version.
	ProtocolVersion = "msgtun-v1"
	// FrameHeaderSize is the number of bytes in a Muxer frame header.
	FrameHeaderSize = 9
	// FrameMaxPayloadSize is the maximum number of bytes in a Muxer frame payload.
	FrameMaxPayloadSize = 1 << 20
	// FrameBufferSize is the capacity of a pooled FrameData. Larger frames are not pooled.
	FrameBufferSize = 0x10000
	// RootPortID is the Muxer port ID of the root port.
	RootPortID = PortID(0)
	// DefaultChunkSize is the largest body chunk read from an io.Reader into a stream value.
	DefaultChunkSize = 32 * 1024
	// DefaultCloseTimeout bounds how long Stream.Close waits for final frames to be flushed.
	DefaultCloseTimeout = time.Second * 5
	// DefaultDialTimeout is how long a Client waits for a connection.
	DefaultDialTimeout = time.Second * 60
	// DefaultServiceSeparator separates the base URL from the endpoint key in service URLs.
	DefaultServiceSeparator = "~"
)

var (
	// MaxPortID is the highest virtual port ID a Muxer will allocate (configurable).
	MaxPortID = PortID(0x7fffffff)
)
