////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package client

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/multicast/connection"
)

// datagram returns a distinct test datagram for i.
func datagram(i int) []byte {
	return binary.BigEndian.AppendUint64([]byte("datagram"), uint64(i))
}

// Tests that an added datagram is seen until two generations have passed.
func Test_duplicateFilter(t *testing.T) {
	f, err := newDuplicateFilter()
	require.NoError(t, err)

	if f.Seen(datagram(0)) {
		t.Errorf("Empty filter has seen a datagram.")
	}
	require.NoError(t, f.Add(datagram(0)))
	if !f.Seen(datagram(0)) {
		t.Errorf("Added datagram not seen.")
	}

	require.NoError(t, f.Rotate())
	if !f.Seen(datagram(0)) {
		t.Errorf("Datagram from the previous generation not seen.")
	}

	require.NoError(t, f.Rotate())
	if f.Seen(datagram(0)) {
		t.Errorf("Datagram seen after two generations.")
	}
}

// Tests that a full generation is replaced on the next Add.
func Test_duplicateFilter_Add_Generation(t *testing.T) {
	f, err := newDuplicateFilter()
	require.NoError(t, err)

	for i := 0; i < 2*duplicateGeneration; i++ {
		require.NoError(t, f.Add(datagram(i)))
	}
	require.Equal(t, duplicateGeneration, f.added)
	if !f.Seen(datagram(duplicateGeneration)) {
		t.Errorf("Datagram of the current generation not seen.")
	}

	require.NoError(t, f.Add(datagram(2*duplicateGeneration)))
	require.Equal(t, 1, f.added)
	if f.Seen(datagram(0)) {
		t.Errorf("Datagram of a replaced generation seen.")
	}
}

// doublingReceiver delivers every datagram twice, as a host joined to the
// group on two interfaces would.
type doublingReceiver struct {
	connection.Multicast
	repeat []byte
}

func (d *doublingReceiver) Receive(ctx context.Context) ([]byte, error) {
	if d.repeat != nil {
		data := d.repeat
		d.repeat = nil
		return data, nil
	}
	data, err := d.Multicast.Receive(ctx)
	if err == nil {
		d.repeat = append([]byte{}, data...)
	}
	return data, err
}

// Tests that a download completes when every datagram arrives twice.
func TestClient_Download_DuplicateDatagrams(t *testing.T) {
	fabric := connection.NewLoopback(nil)
	s, srcRoot := startServer(t, fabric, nil)

	c, dstRoot := newTestClient(t, fabric, func(p *Params) {
		factory := fabric.Factory()
		p.Multicast = func(
			params connection.MulticastParams, sender bool) connection.Multicast {
			return &doublingReceiver{Multicast: factory(params, sender)}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Download(ctx, uri(s, false), "set", 0))

	requireSameFiles(t, srcRoot, dstRoot)
	requireServerDrained(t, s)
}
