// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"sync"

	"github.com/pkg/errors"
)

// Message is a unit of data delivered by a Port, optionally carrying other Ports.
type Message struct {
	Data  []byte
	Ports []Port
}

// Listener receives the messages delivered by a Port. Listeners of one Port
// are called sequentially from that Port's delivery goroutine, so they
// must not block.
type Listener func(msg Message)

// Port is one end of a duplex message channel.
type Port interface {
	// PostMessage sends data to the peer, transferring ownership of any given Ports.
	PostMessage(data []byte, transfers ...Port) error
	// AddListener registers a listener and returns a function that removes it.
	AddListener(l Listener) (remove func())
	// Start begins delivery of queued and future messages.
	Start() error
	// Close closes the Port. It is safe to call more than once.
	Close() error
	// Done returns a channel that is closed when the Port is closed.
	Done() <-chan struct{}
}

type portClosedError struct{}

func (portClosedError) Error() string { return "port closed" }

// ErrPortClosed is returned when posting to a closed Port.
var ErrPortClosed error = portClosedError{}

// IsPortClosed returns true if the cause of err is a closed Port.
func IsPortClosed(err error) bool {
	return errors.Cause(err) == ErrPortClosed
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// mailbox is the receiving side of a Port. Posted messages are queued
// until the mailbox is started, then delivered in order by a single goroutine.
type mailbox struct {
	mu        sync.Mutex
	queue     []Message
	listeners []listenerEntry
	lastID    uint64
	started   bool
	closing   bool
	wake      chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		wake:     make(chan struct{}, 1),
		doneChan: make(chan struct{}),
	}
}

func (mb *mailbox) isClosed() bool {
	select {
	case <-mb.doneChan:
		return true
	default:
		return false
	}
}

func (mb *mailbox) post(msg Message) error {
	mb.mu.Lock()
	if mb.closing || mb.isClosed() {
		mb.mu.Unlock()
		return errors.WithStack(ErrPortClosed)
	}
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()
	select {
	case mb.wake <- struct{}{}:
	default:
	}
	return nil
}

func (mb *mailbox) addListener(l Listener) (remove func()) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.lastID++
	id := mb.lastID
	mb.listeners = append(mb.listeners, listenerEntry{id: id, fn: l})
	return func() {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		for i, le := range mb.listeners {
			if le.id == id {
				mb.listeners = append(mb.listeners[:i:i], mb.listeners[i+1:]...)
				return
			}
		}
	}
}

func (mb *mailbox) start() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.isClosed() {
		return errors.WithStack(ErrPortClosed)
	}
	if !mb.started {
		mb.started = true
		go mb.run()
	}
	return nil
}

// close returns true if the mailbox was closed by this call.
func (mb *mailbox) close() (closed bool) {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		close(mb.doneChan)
		mb.queue = nil
		mb.mu.Unlock()
		closed = true
	})
	return
}

// shutdown refuses new messages and closes the mailbox once the
// queued ones have been delivered. A mailbox that is not yet started
// keeps its queue until it is.
func (mb *mailbox) shutdown() {
	mb.mu.Lock()
	if mb.closing || mb.isClosed() {
		mb.mu.Unlock()
		return
	}
	mb.closing = true
	drained := len(mb.queue) == 0
	mb.mu.Unlock()
	if drained {
		mb.close()
		return
	}
	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *mailbox) isClosing() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closing
}

func (mb *mailbox) drainedClosing() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closing && len(mb.queue) == 0
}

func (mb *mailbox) next() (msg Message, listeners []listenerEntry, ok bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.queue) > 0 && !mb.isClosed() {
		msg = mb.queue[0]
		mb.queue[0] = Message{}
		mb.queue = mb.queue[1:]
		listeners = append(listeners, mb.listeners...)
		ok = true
	}
	return
}

func (mb *mailbox) run() {
	for {
		select {
		case <-mb.doneChan:
			return
		case <-mb.wake:
		}
		for {
			msg, listeners, ok := mb.next()
			if !ok {
				break
			}
			for _, le := range listeners {
				le.fn(msg)
			}
		}
		if mb.drainedClosing() {
			mb.close()
			return
		}
	}
}
