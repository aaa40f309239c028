// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

var pipeNextSerialNumber uint32

type pipe struct {
	serialNumber uint32
	ends         [2]*pipeEnd
}

type pipeEnd struct {
	pipe *pipe
	side int
	in   *mailbox
}

// NewPipe returns two entangled in-memory Ports. A message posted on one is
// delivered to the other. Closing either end closes both, the other end
// still delivers the messages it had already received.
func NewPipe() (Port, Port) {
	p := &pipe{serialNumber: atomic.AddUint32(&pipeNextSerialNumber, 1)}
	p.ends[0] = &pipeEnd{pipe: p, side: 0, in: newMailbox()}
	p.ends[1] = &pipeEnd{pipe: p, side: 1, in: newMailbox()}
	return p.ends[0], p.ends[1]
}

func (pe *pipeEnd) String() string {
	return fmt.Sprintf("[Pipe %x.%d]", pe.pipe.serialNumber, pe.side)
}

func (pe *pipeEnd) peer() *pipeEnd {
	return pe.pipe.ends[1-pe.side]
}

// PostMessage implements Port.
func (pe *pipeEnd) PostMessage(data []byte, transfers ...Port) error {
	if pe.in.isClosed() || pe.in.isClosing() {
		return errors.WithStack(ErrPortClosed)
	}
	msg := Message{Data: append([]byte(nil), data...)}
	if len(transfers) > 0 {
		msg.Ports = append(msg.Ports, transfers...)
	}
	return pe.peer().in.post(msg)
}

// AddListener implements Port.
func (pe *pipeEnd) AddListener(l Listener) (remove func()) {
	return pe.in.addListener(l)
}

// Start implements Port.
func (pe *pipeEnd) Start() error {
	return pe.in.start()
}

// Close implements Port.
func (pe *pipeEnd) Close() error {
	pe.in.close()
	pe.peer().in.shutdown()
	return nil
}

// Done implements Port.
func (pe *pipeEnd) Done() <-chan struct{} {
	return pe.in.doneChan
}
