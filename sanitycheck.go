// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package msgtun

// sanity check the configuration
func init() {
	if FrameHeaderSize != 9 {
		panic("FrameHeaderSize != 9")
	}
	if FrameMaxPayloadSize < DefaultChunkSize+1024 {
		panic("FrameMaxPayloadSize < DefaultChunkSize+1024")
	}
	if FrameBufferSize < FrameHeaderSize+DefaultChunkSize {
		panic("FrameBufferSize < FrameHeaderSize+DefaultChunkSize")
	}
	if MaxPortID < 2 {
		panic("MaxPortID < 2")
	}
	if MaxPortID > 0xfffffffe {
		panic("MaxPortID > 0xfffffffe")
	}
}
