// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

// frameDataPool recycles FrameData buffers between muxers.
var frameDataPool = make(chan FrameData, 1024)

// FrameDataAlloc returns a zero length FrameData, reusing a pooled one if possible.
func FrameDataAlloc() FrameData {
	select {
	case fd := <-frameDataPool:
		fd.Clear()
		return fd
	default:
		return NewFrameData()
	}
}

// FrameDataAllocID allocates a FrameData with a FrameHeader for the given port and type.
func FrameDataAllocID(id PortID, ft FrameType) (fd FrameData) {
	fd = FrameDataAlloc()
	fd.WriteHeader(id, ft)
	return
}

// FrameDataFree releases a FrameData. Buffers grown beyond
// FrameBufferSize are left to the garbage collector.
func FrameDataFree(fd FrameData) {
	if fd != nil && cap(fd) <= FrameBufferSize {
		select {
		case frameDataPool <- fd:
		default:
		}
	}
}
