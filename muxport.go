// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"github.com/pkg/errors"
)

// muxPort is a Port whose peer is on the other side of a Muxer.
type muxPort struct {
	mux *Muxer
	id  PortID
	in  *mailbox
}

func newMuxPort(mux *Muxer, id PortID) *muxPort {
	return &muxPort{mux: mux, id: id, in: newMailbox()}
}

func (mp *muxPort) String() string {
	return mp.mux.String() + mp.id.String()
}

// PostMessage implements Port. Transferred ports are bridged over the
// Muxer under new PortIDs.
func (mp *muxPort) PostMessage(data []byte, transfers ...Port) (err error) {
	if mp.in.isClosed() || mp.in.isClosing() {
		return errors.WithStack(ErrPortClosed)
	}
	var bridges []*bridge
	var ids []PortID
	for _, p := range transfers {
		var b *bridge
		if b, err = mp.mux.newBridge(p); err != nil {
			break
		}
		bridges = append(bridges, b)
		ids = append(ids, b.remote.id)
	}
	if err == nil {
		fd := FrameDataAllocID(mp.id, FrameTypeMessage)
		if err = fd.WriteMessage(ids, data); err == nil {
			err = mp.mux.write(fd)
		} else {
			FrameDataFree(fd)
		}
	}
	if err != nil {
		for _, b := range bridges {
			b.abort()
		}
		return
	}
	for _, b := range bridges {
		b.start()
	}
	return
}

// AddListener implements Port.
func (mp *muxPort) AddListener(l Listener) (remove func()) {
	return mp.in.addListener(l)
}

// Start implements Port.
func (mp *muxPort) Start() error {
	return mp.in.start()
}

// Close implements Port. The peer is told unless the Muxer is closed.
func (mp *muxPort) Close() error {
	if mp.in.close() {
		mp.mux.forget(mp.id)
		fd := FrameDataAllocID(mp.id, FrameTypeClose)
		if err := mp.mux.write(fd); err != nil && !isClosedError(err) {
			return err
		}
	}
	return nil
}

// closeRemote closes the port after the peer closed it, delivering
// messages already received.
func (mp *muxPort) closeRemote() {
	mp.in.shutdown()
}

// Done implements Port.
func (mp *muxPort) Done() <-chan struct{} {
	return mp.in.doneChan
}

// bridge connects a local Port to a new muxPort, so that the local
// Port's peer talks to the other side of the Muxer.
type bridge struct {
	local        Port
	remote       *muxPort
	removeLocal  func()
	removeRemote func()
}

func (mux *Muxer) newBridge(local Port) (*bridge, error) {
	remote, err := mux.allocPort()
	if err != nil {
		return nil, err
	}
	b := &bridge{local: local, remote: remote}
	b.removeRemote = remote.AddListener(func(msg Message) {
		if err := local.PostMessage(msg.Data, msg.Ports...); err != nil {
			remote.Close()
		}
	})
	return b, nil
}

// start begins forwarding. It must be called after the frame announcing
// the remote PortID has been written.
func (b *bridge) start() {
	b.removeLocal = b.local.AddListener(func(msg Message) {
		if err := b.remote.PostMessage(msg.Data, msg.Ports...); err != nil {
			b.local.Close()
		}
	})
	b.remote.Start()
	b.local.Start()
	go func() {
		select {
		case <-b.local.Done():
			b.remote.Close()
		case <-b.remote.Done():
			b.local.Close()
		}
	}()
}

// abort undoes newBridge when the announcing frame could not be sent.
func (b *bridge) abort() {
	b.removeRemote()
	b.remote.in.close()
	b.remote.mux.forget(b.remote.id)
}
