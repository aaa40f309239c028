// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"encoding/binary"
	"fmt"
)

/*
FrameHeader is 72 bits. The first 32 bits are the payload size, the next
32 bits are the PortID the frame applies to and the last 8 bits are the
FrameType, all in network byte order:

* Message - payload is a port list followed by the message data, see FrameData.WriteMessage
* Close   - the port is closed, no payload
* Ping    - payload is returned in a Pong, PortID is ignored
* Pong    - payload as received in the Ping, PortID is ignored
* Panic   - sender is shutting down due to error, payload is an optional reason

Any other FrameType is a protocol error.
*/
type FrameHeader []byte

// PortID identifies a port carried by a Muxer.
type PortID uint32

func (id PortID) String() string {
	return fmt.Sprintf("[Port %08x]", uint32(id))
}

// FrameType enumerates the kinds of Muxer frames.
type FrameType byte

const (
	// FrameTypeMessage carries a message for a port.
	FrameTypeMessage FrameType = iota
	// FrameTypeClose closes a port.
	FrameTypeClose
	// FrameTypePing requests a Pong with the same payload.
	FrameTypePing
	// FrameTypePong answers a Ping.
	FrameTypePong
	// FrameTypePanic means the sender is shutting down due to error.
	FrameTypePanic
)

var frameTypeTexts = map[FrameType]string{
	FrameTypeMessage: "Message",
	FrameTypeClose:   "Close",
	FrameTypePing:    "Ping",
	FrameTypePong:    "Pong",
	FrameTypePanic:   "Panic",
}

func (ft FrameType) String() string {
	if s, ok := frameTypeTexts[ft]; ok {
		return s
	}
	return fmt.Sprintf("Rsvd%02x", byte(ft))
}

func (fh FrameHeader) String() string {
	return fmt.Sprintf("[FrameHeader %v %v %d (%d)]", fh.PortID(), fh.Type(), fh.SizeValue(), len(fh))
}

// SizeValue returns the payload size of the frame.
func (fh FrameHeader) SizeValue() int {
	return int(binary.BigEndian.Uint32(fh[0:4]))
}

// SetSizeValue sets the payload size of the frame.
func (fh FrameHeader) SetSizeValue(n int) {
	binary.BigEndian.PutUint32(fh[0:4], uint32(n))
}

// PortID returns the PortID of the frame.
func (fh FrameHeader) PortID() PortID {
	return PortID(binary.BigEndian.Uint32(fh[4:8]))
}

// SetPortID sets the PortID of the frame.
func (fh FrameHeader) SetPortID(id PortID) {
	binary.BigEndian.PutUint32(fh[4:8], uint32(id))
}

// Type returns the FrameType of the frame.
func (fh FrameHeader) Type() FrameType {
	return FrameType(fh[8])
}

// SetType sets the FrameType of the frame.
func (fh FrameHeader) SetType(ft FrameType) {
	fh[8] = byte(ft)
}

// HasPayload returns true if the Size value is nonzero.
func (fh FrameHeader) HasPayload() bool {
	return fh.SizeValue() > 0
}

// IsControl returns true for frames that apply to the Muxer rather than a port.
func (fh FrameHeader) IsControl() bool {
	switch fh.Type() {
	case FrameTypePing, FrameTypePong, FrameTypePanic:
		return true
	}
	return false
}

// Clear zeroes out the frameheader bytes.
func (fh FrameHeader) Clear() {
	for i := range fh[:FrameHeaderSize] {
		fh[i] = 0
	}
}
