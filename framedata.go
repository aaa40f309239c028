// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// FrameData holds one muxer frame, header followed by payload.
type FrameData []byte

// NewFrameData returns an empty FrameData with FrameBufferSize capacity.
func NewFrameData() FrameData {
	return FrameData(make([]byte, 0, FrameBufferSize))
}

// Clear truncates the frame to zero length.
func (fd *FrameData) Clear() {
	*fd = (*fd)[:0]
}

func (fd FrameData) String() string {
	if fd == nil {
		return "[FrameData nil]"
	}
	if len(fd) < FrameHeaderSize {
		return fmt.Sprintf("[FrameData short %v]", hex.EncodeToString(fd))
	}
	var contents string
	if len(fd) > FrameHeaderSize+32 {
		contents = hex.EncodeToString(fd[FrameHeaderSize:FrameHeaderSize+32]) + "..."
	} else {
		contents = hex.EncodeToString(fd[FrameHeaderSize:])
	}
	return fmt.Sprintf("[FrameData %v %v]", fd.Header(), contents)
}

// Header returns the leading FrameHeader.
func (fd FrameData) Header() FrameHeader {
	return FrameHeader(fd[:FrameHeaderSize])
}

// Payload returns the bytes following the header.
func (fd FrameData) Payload() []byte {
	return fd[FrameHeaderSize:]
}

// Buffered returns the frame length, header included.
func (fd FrameData) Buffered() int {
	return len(fd)
}

// WriteHeader initializes the frame header, discarding any payload.
func (fd *FrameData) WriteHeader(id PortID, ft FrameType) {
	*fd = append((*fd)[:0], make([]byte, FrameHeaderSize)...)
	fh := fd.Header()
	fh.SetPortID(id)
	fh.SetType(ft)
}

// SetSizeValue sets the header size value from the current payload.
func (fd FrameData) SetSizeValue() error {
	n := len(fd) - FrameHeaderSize
	if n > FrameMaxPayloadSize {
		return errors.Errorf("frame payload of %d bytes exceeds %d", n, FrameMaxPayloadSize)
	}
	fd.Header().SetSizeValue(n)
	return nil
}

// Write implements io.Writer for FrameData.
func (fd *FrameData) Write(p []byte) (n int, err error) {
	*fd = append(*fd, p...)
	return len(p), nil
}

// WriteUint16 appends x in network byte order.
func (fd *FrameData) WriteUint16(x uint16) {
	*fd = binary.BigEndian.AppendUint16(*fd, x)
}

// WriteUint32 appends x in network byte order.
func (fd *FrameData) WriteUint32(x uint32) {
	*fd = binary.BigEndian.AppendUint32(*fd, x)
}

// WriteInt64 appends x as a varint.
func (fd *FrameData) WriteInt64(x int64) {
	*fd = binary.AppendVarint(*fd, x)
}

// WriteString writes a string of at most 0xffff bytes.
func (fd *FrameData) WriteString(s string) error {
	if len(s) > 0xffff {
		return errors.Errorf("string of %d bytes too long", len(s))
	}
	fd.WriteUint16(uint16(len(s)))
	*fd = append(*fd, s...)
	return nil
}

// WriteMessage writes a message payload: the number of transferred ports,
// their PortIDs and then the data.
func (fd *FrameData) WriteMessage(ids []PortID, data []byte) error {
	if len(ids) > 0xffff {
		return errors.Errorf("too many ports in message (%d)", len(ids))
	}
	fd.WriteUint16(uint16(len(ids)))
	for _, id := range ids {
		fd.WriteUint32(uint32(id))
	}
	*fd = append(*fd, data...)
	return fd.SetSizeValue()
}

// ReadFrom reads one complete frame from r, replacing the contents of fd.
func (fd *FrameData) ReadFrom(r io.Reader) (n int64, err error) {
	*fd = append((*fd)[:0], make([]byte, FrameHeaderSize)...)
	var m int
	m, err = io.ReadFull(r, *fd)
	n += int64(m)
	if err != nil {
		return
	}
	size := fd.Header().SizeValue()
	if size > FrameMaxPayloadSize {
		return n, errors.Wrapf(ProtocolError{}, "frame payload size %d", size)
	}
	if size > 0 {
		if cap(*fd) < FrameHeaderSize+size {
			grown := make([]byte, FrameHeaderSize, FrameHeaderSize+size)
			copy(grown, *fd)
			*fd = grown
		}
		*fd = (*fd)[:FrameHeaderSize+size]
		m, err = io.ReadFull(r, (*fd)[FrameHeaderSize:])
		n += int64(m)
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}
	return
}

// WriteTo writes the frame to w.
func (fd FrameData) WriteTo(w io.Writer) (n int64, err error) {
	var m int
	m, err = w.Write(fd)
	return int64(m), err
}
