// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// FrameParser implements reading frame payload from a byte slice
type FrameParser []byte

// NewFrameParser returns a FrameParser from a FrameData
func NewFrameParser(fd FrameData) FrameParser {
	return fd.Payload()
}

func (fp FrameParser) String() string {
	switch {
	case len(fp) < 1:
		return "[FrameParser 0]"
	case len(fp) < 32:
		return fmt.Sprintf("[FrameParser %v %v]", len(fp), hex.EncodeToString(fp))
	default:
		return fmt.Sprintf("[FrameParser %v %v...]", len(fp), hex.EncodeToString(fp[:32]))
	}
}

func errShortPayload(what string) error {
	return errors.Wrapf(ProtocolError{}, "short payload reading %s", what)
}

// ReadUint16 reads a 16-bit value in network byte order.
func (fp *FrameParser) ReadUint16() (x uint16, err error) {
	if len(*fp) < 2 {
		return 0, errShortPayload("uint16")
	}
	x = binary.BigEndian.Uint16(*fp)
	*fp = (*fp)[2:]
	return
}

// ReadUint32 reads a 32-bit value in network byte order.
func (fp *FrameParser) ReadUint32() (x uint32, err error) {
	if len(*fp) < 4 {
		return 0, errShortPayload("uint32")
	}
	x = binary.BigEndian.Uint32(*fp)
	*fp = (*fp)[4:]
	return
}

// ReadInt64 reads an int64 written by FrameData.WriteInt64.
func (fp *FrameParser) ReadInt64() (x int64, err error) {
	x, n := binary.Varint(*fp)
	if n <= 0 {
		return 0, errShortPayload("int64")
	}
	*fp = (*fp)[n:]
	return
}

// ReadString reads a string written by FrameData.WriteString.
func (fp *FrameParser) ReadString() (s string, err error) {
	var n uint16
	if n, err = fp.ReadUint16(); err == nil {
		if len(*fp) < int(n) {
			return "", errShortPayload("string")
		}
		s = string((*fp)[:n])
		*fp = (*fp)[n:]
	}
	return
}

// ReadMessage reads a payload written by FrameData.WriteMessage.
// The returned data is a copy.
func (fp *FrameParser) ReadMessage() (ids []PortID, data []byte, err error) {
	var count uint16
	if count, err = fp.ReadUint16(); err != nil {
		return
	}
	if count > 0 {
		ids = make([]PortID, count)
		for i := range ids {
			var id uint32
			if id, err = fp.ReadUint32(); err != nil {
				return nil, nil, err
			}
			ids[i] = PortID(id)
		}
	}
	data = append([]byte(nil), (*fp)...)
	*fp = (*fp)[len(*fp):]
	return
}
