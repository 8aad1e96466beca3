////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testGroup = &net.UDPAddr{IP: net.ParseIP("239.255.0.1"), Port: 9000}

// Tests that every connected receiver gets each datagram and that the sender
// gets none.
func TestLoopback_Deliver(t *testing.T) {
	fabric := NewLoopback(nil)
	factory := fabric.Factory()
	params := MulticastParams{Group: testGroup, TTL: 1}
	ctx := context.Background()

	sender := factory(params, true)
	receivers := []Multicast{factory(params, false), factory(params, false)}
	require.NoError(t, sender.Connect(ctx))
	for _, r := range receivers {
		require.NoError(t, r.Connect(ctx))
	}
	require.Equal(t, 2, fabric.Receivers(testGroup.String()))

	data := []byte("datagram")
	require.NoError(t, sender.Send(ctx, data))
	data[0] = 'D'

	for i, r := range receivers {
		received, err := r.Receive(ctx)
		require.NoError(t, err, "receiver %d", i)
		require.Equal(t, []byte("datagram"), received, "receiver %d", i)
	}

	_, err := sender.Receive(ctx)
	require.Error(t, err)
	require.Error(t, receivers[0].Send(ctx, data))

	for _, r := range receivers {
		require.NoError(t, r.Close())
	}
	require.Equal(t, 0, fabric.Receivers(testGroup.String()))
}

// Tests that datagrams chosen by the loss function are not delivered.
func TestLoopback_Loss(t *testing.T) {
	fabric := NewLoopback(func(data []byte) bool { return data[0] == 'x' })
	factory := fabric.Factory()
	params := MulticastParams{Group: testGroup, TTL: 1}
	ctx := context.Background()

	sender, receiver := factory(params, true), factory(params, false)
	require.NoError(t, sender.Connect(ctx))
	require.NoError(t, receiver.Connect(ctx))

	require.NoError(t, sender.Send(ctx, []byte("xdrop")))
	require.NoError(t, sender.Send(ctx, []byte("keep")))

	received, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("keep"), received)

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = receiver.Receive(ctx2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// Tests that a receiver in another group hears nothing.
func TestLoopback_Groups(t *testing.T) {
	fabric := NewLoopback(nil)
	factory := fabric.Factory()
	other := &net.UDPAddr{IP: testGroup.IP, Port: testGroup.Port + 1}
	ctx := context.Background()

	sender := factory(MulticastParams{Group: testGroup}, true)
	receiver := factory(MulticastParams{Group: other}, false)
	require.NoError(t, sender.Connect(ctx))
	require.NoError(t, receiver.Connect(ctx))
	require.Error(t, receiver.Connect(ctx))

	require.NoError(t, sender.Send(ctx, []byte("data")))

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := receiver.Receive(ctx2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// Tests ParseURI with valid and invalid URIs.
func TestParseURI(t *testing.T) {
	tests := []struct {
		uri      string
		expected Endpoint
		err      bool
	}{
		{"mcast://localhost", Endpoint{Address: "localhost:1818"}, false},
		{"mcast://10.0.0.1:2000/dir/file",
			Endpoint{Address: "10.0.0.1:2000", Path: "dir/file"}, false},
		{"mcasts://host:5/a",
			Endpoint{Address: "host:5", Secure: true, Path: "a"}, false},
		{"mcast://[::1]:9/", Endpoint{Address: "[::1]:9"}, false},
		{"http://host/file", Endpoint{}, true},
		{"mcast:///file", Endpoint{}, true},
		{"mcast://host:99999/", Endpoint{}, true},
	}

	for i, tt := range tests {
		e, err := ParseURI(tt.uri)
		if tt.err {
			if err == nil {
				t.Errorf("ParseURI did not fail for %q (%d).", tt.uri, i)
			}
			continue
		} else if err != nil {
			t.Errorf("ParseURI failed for %q (%d): %+v", tt.uri, i, err)
			continue
		}
		if e != tt.expected {
			t.Errorf("Unexpected endpoint for %q (%d)."+
				"\nexpected: %+v\nreceived: %+v", tt.uri, i, tt.expected, e)
		}
	}
}
