// ABOUTME: In-process Channel pair for tests and local stdio bridging
// ABOUTME: Two connected ends where Deliver on one side surfaces on the other's receiver

package transport

import (
	"context"
	"sync"
)

// pipeBufferSize is the per-direction event buffer.
const pipeBufferSize = 64

// Pipe is one end of an in-process channel pair.
type Pipe struct {
	peer *Pipe

	inbox chan *Event
	done  chan struct{}

	recvMu   sync.Mutex
	receiver Receiver
	pumping  bool

	closeMu sync.Mutex
	closed  bool
}

// NewPipe creates a connected pair of channel ends. Events delivered on one
// end arrive at the other end's receiver.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{inbox: make(chan *Event, pipeBufferSize), done: make(chan struct{})}
	b := &Pipe{inbox: make(chan *Event, pipeBufferSize), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Deliver sends an event to the peer end.
// Returns ErrClosed once either end is closed.
func (p *Pipe) Deliver(ctx context.Context, ev *Event) error {
	p.closeMu.Lock()
	closed := p.closed
	p.closeMu.Unlock()
	p.peer.closeMu.Lock()
	closed = closed || p.peer.closed
	p.peer.closeMu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case p.peer.inbox <- ev:
		return nil
	case <-p.peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnReceive registers the receiver and starts the pump.
// Events delivered before a receiver is registered are buffered.
func (p *Pipe) OnReceive(r Receiver) {
	p.recvMu.Lock()
	p.receiver = r
	start := !p.pumping && r != nil
	if start {
		p.pumping = true
	}
	p.recvMu.Unlock()

	if start {
		go p.pump()
	}
}

func (p *Pipe) pump() {
	for {
		select {
		case ev := <-p.inbox:
			p.recvMu.Lock()
			r := p.receiver
			p.recvMu.Unlock()
			if r != nil {
				r(ev)
			}
		case <-p.done:
			return
		}
	}
}

// Close shuts down this end. Safe to call multiple times.
func (p *Pipe) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}
