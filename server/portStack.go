////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package server

import (
	"sync"

	"github.com/golang-collections/collections/stack"
	jww "github.com/spf13/jwalterweatherman"
)

// PortStack contains the multicast ports not in use by a session.
// Also has a mutex for access control
type PortStack struct {
	// Free ports; a port is popped when a session starts and pushed back
	// when it closes
	ports *stack.Stack
	sync.Mutex
}

// NewPortStack creates a stack holding every port in [start, start+count).
// Ports are pushed in reverse so the lowest port is popped first.
func NewPortStack(start, count int) *PortStack {
	ps := &PortStack{ports: stack.New()}
	for port := start + count - 1; port >= start; port-- {
		ps.ports.Push(port)
	}
	return ps
}

// Pop returns a free port. Returns false if every port is in use.
func (ps *PortStack) Pop() (int, bool) {
	ps.Lock()
	portFace := ps.ports.Pop()
	ps.Unlock()

	if portFace == nil {
		jww.WARN.Printf("[MC] Multicast port stack is empty")
		return 0, false
	}
	return portFace.(int), true
}

// Push returns a port to the stack.
func (ps *PortStack) Push(port int) {
	ps.Lock()
	defer ps.Unlock()
	ps.ports.Push(port)
}

// Len returns the number of free ports.
func (ps *PortStack) Len() int {
	ps.Lock()
	defer ps.Unlock()
	return ps.ports.Len()
}
