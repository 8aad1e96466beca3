////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package connection

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultLoopbackQueue is the number of datagrams buffered per receiver.
const DefaultLoopbackQueue = 4096

// LossFunc decides whether a datagram is dropped before delivery.
type LossFunc func(data []byte) bool

// Loopback is an in-process multicast fabric. Datagrams sent to a group are
// delivered to every receiver connected to that group at the time of the
// send. A receiver whose queue is full drops the datagram, as a socket buffer
// would.
type Loopback struct {
	groups map[string]map[*loopbackEndpoint]struct{}
	loss   LossFunc
	queue  int
	mux    sync.RWMutex
}

// NewLoopback creates an empty fabric. loss may be nil.
func NewLoopback(loss LossFunc) *Loopback {
	return &Loopback{
		groups: make(map[string]map[*loopbackEndpoint]struct{}),
		loss:   loss,
		queue:  DefaultLoopbackQueue,
	}
}

// Factory returns a MulticastFactory whose endpoints share this fabric.
func (l *Loopback) Factory() MulticastFactory {
	return func(params MulticastParams, sender bool) Multicast {
		return &loopbackEndpoint{
			fabric: l,
			group:  params.Group.String(),
			sender: sender,
		}
	}
}

// Receivers returns the number of receivers connected to the group.
func (l *Loopback) Receivers(group string) int {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return len(l.groups[group])
}

func (l *Loopback) join(ep *loopbackEndpoint) {
	l.mux.Lock()
	defer l.mux.Unlock()
	members, exists := l.groups[ep.group]
	if !exists {
		members = make(map[*loopbackEndpoint]struct{})
		l.groups[ep.group] = members
	}
	members[ep] = struct{}{}
}

func (l *Loopback) leave(ep *loopbackEndpoint) {
	l.mux.Lock()
	defer l.mux.Unlock()
	delete(l.groups[ep.group], ep)
	if len(l.groups[ep.group]) == 0 {
		delete(l.groups, ep.group)
	}
}

func (l *Loopback) deliver(group string, data []byte) {
	l.mux.RLock()
	defer l.mux.RUnlock()
	for ep := range l.groups[group] {
		if l.loss != nil && l.loss(data) {
			continue
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case ep.queue <- cp:
		default:
			jww.TRACE.Printf("[MC] Loopback queue for %s full; dropping "+
				"datagram", group)
		}
	}
}

type loopbackEndpoint struct {
	fabric    *Loopback
	group     string
	sender    bool
	connected bool
	queue     chan []byte
	closed    chan struct{}
	mux       sync.Mutex
}

func (ep *loopbackEndpoint) Connect(context.Context) error {
	ep.mux.Lock()
	defer ep.mux.Unlock()
	if ep.connected {
		return errors.Errorf(errAlreadyConnect, ep.group)
	}
	ep.connected = true
	ep.closed = make(chan struct{})
	if !ep.sender {
		ep.queue = make(chan []byte, ep.fabric.queue)
		ep.fabric.join(ep)
	}
	return nil
}

func (ep *loopbackEndpoint) Send(ctx context.Context, data []byte) error {
	ep.mux.Lock()
	connected := ep.connected && ep.sender
	ep.mux.Unlock()
	if !connected {
		return errors.Errorf(errNotConnected, ep.group)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ep.fabric.deliver(ep.group, data)
	return nil
}

func (ep *loopbackEndpoint) Receive(ctx context.Context) ([]byte, error) {
	ep.mux.Lock()
	connected := ep.connected && !ep.sender
	queue, closed := ep.queue, ep.closed
	ep.mux.Unlock()
	if !connected {
		return nil, errors.Errorf(errNotConnected, ep.group)
	}

	select {
	case data := <-queue:
		return data, nil
	case <-closed:
		return nil, errors.Errorf(errNotConnected, ep.group)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ep *loopbackEndpoint) Close() error {
	ep.mux.Lock()
	defer ep.mux.Unlock()
	if !ep.connected {
		return nil
	}
	if !ep.sender {
		ep.fabric.leave(ep)
	}
	close(ep.closed)
	ep.connected = false
	return nil
}
