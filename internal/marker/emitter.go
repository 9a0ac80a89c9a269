// ABOUTME: Per-modality marker stream emitter
// ABOUTME: Delivers markers to one named bus outlet in FIFO order without blocking callers
package marker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/childmindresearch/MoBI-AV/internal/media"
	"github.com/childmindresearch/MoBI-AV/internal/protocol"
)

// ErrEmitterChannel reports that a marker could not reach the bus
var ErrEmitterChannel = errors.New("marker channel error")

// Outlet is one advertised bus channel
type Outlet interface {
	Push(m protocol.Marker) error
}

// Bus creates outlets. Outlet must be idempotent per stream name.
type Bus interface {
	Outlet(info protocol.StreamInfo) (Outlet, error)
}

// queued is either a marker or a flush barrier
type queued struct {
	marker  Marker
	barrier chan struct{}
}

// Emitter publishes the markers of one modality to one bus stream
type Emitter struct {
	modality media.Modality
	info     protocol.StreamInfo
	bus      Bus
	onError  func(error)

	mu     sync.Mutex
	queue  []queued
	seen   map[key]struct{}
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// owned by the run goroutine
	outlet Outlet
	seq    uint64
}

// NewEmitter creates an emitter bound to info.Name for the process lifetime.
// onError receives every ErrEmitterChannel failure and may be nil.
func NewEmitter(modality media.Modality, info protocol.StreamInfo, bus Bus, onError func(error)) *Emitter {
	e := &Emitter{
		modality: modality,
		info:     info,
		bus:      bus,
		onError:  onError,
		seen:     make(map[key]struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	go e.run()
	return e
}

// Stream returns the stream name this emitter publishes to
func (e *Emitter) Stream() string {
	return e.info.Name
}

// Info returns the stream header the outlet is created with
func (e *Emitter) Info() protocol.StreamInfo {
	return e.info
}

// Emit queues m for delivery and returns immediately
func (e *Emitter) Emit(m Marker) {
	if m.Modality != e.modality {
		log.Printf("Dropping %s marker on %s emitter %s", m.Modality, e.modality, e.info.Name)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		log.Printf("Dropping marker after close: %s", m)
		return
	}
	if _, dup := e.seen[m.key()]; dup {
		e.mu.Unlock()
		log.Printf("Dropping duplicate marker: %s", m)
		return
	}
	e.seen[m.key()] = struct{}{}
	e.queue = append(e.queue, queued{marker: m})
	e.mu.Unlock()

	e.signal()
}

// Flush blocks until every marker emitted before the call has been handled
func (e *Emitter) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.queue = append(e.queue, queued{barrier: barrier})
	e.mu.Unlock()

	e.signal()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers what is queued and stops the emitter
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.signal()
	<-e.done
}

func (e *Emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// run drains the queue in order
func (e *Emitter) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			<-e.wake
			continue
		}
		item := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if item.barrier != nil {
			close(item.barrier)
			continue
		}
		e.deliver(item.marker)
	}
}

// deliver pushes one marker, creating the outlet on first use
func (e *Emitter) deliver(m Marker) {
	if e.outlet == nil {
		outlet, err := e.bus.Outlet(e.info)
		if err != nil {
			e.report(fmt.Errorf("%w: creating outlet %s: %v", ErrEmitterChannel, e.info.Name, err))
			return
		}
		e.outlet = outlet
		log.Printf("Marker outlet ready: %s", e.info.Name)
	}

	// seq counts delivered markers only
	if err := e.outlet.Push(m.Payload(e.info.Name, e.seq+1)); err != nil {
		e.report(fmt.Errorf("%w: pushing %s marker to %s: %v", ErrEmitterChannel, m.Kind, e.info.Name, err))
		return
	}
	e.seq++

	log.Printf("Marker sent on %s: %s", e.info.Name, m.Sample())
}

func (e *Emitter) report(err error) {
	log.Printf("Marker emission failed: %v", err)
	if e.onError != nil {
		e.onError(err)
	}
}
