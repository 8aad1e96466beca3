////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package client

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/multicast/connection"
	"gitlab.com/elixxir/multicast/encoder"
	"gitlab.com/elixxir/multicast/server"
	"gitlab.com/elixxir/multicast/wire"
)

// testFiles are the names and sizes of the files served under "set".
var testFiles = []struct {
	name string
	size int
}{
	{"small.bin", 1234},
	{"large1.bin", 150000},
	{"nested/large2.bin", 150000},
}

// writeTestFiles fills root/set with random files and returns the set path.
func writeTestFiles(t *testing.T, root string) string {
	prng := rand.New(rand.NewSource(42))
	dir := filepath.Join(root, "set")
	for _, f := range testFiles {
		data := make([]byte, f.size)
		prng.Read(data)
		p := filepath.Join(dir, filepath.FromSlash(f.name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
	return dir
}

// startServer serves a temporary root holding the test files over the
// fabric. It is stopped when the test ends.
func startServer(t *testing.T, fabric *connection.Loopback,
	modify func(p *server.Params)) (*server.Server, string) {
	root := t.TempDir()
	writeTestFiles(t, root)

	p := server.DefaultParams()
	p.RootFolder = root
	p.Address = "127.0.0.1:0"
	p.ReadTimeout = 10 * time.Second
	p.ResponseDelay = 10 * time.Second
	p.MaxBytesPerSecond = 1 << 30
	p.Multicast = fabric.Factory()
	if modify != nil {
		modify(&p)
	}

	s, err := server.NewServer(p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(15 * time.Second):
			t.Errorf("Server did not stop.")
		}
	})

	return s, root
}

// newTestClient returns a client writing to a temporary folder.
func newTestClient(t *testing.T, fabric *connection.Loopback,
	modify func(p *Params)) (*Client, string) {
	p := DefaultParams()
	p.RootFolder = t.TempDir()
	p.ReadTimeout = 10 * time.Second
	p.StatusInterval = 10 * time.Millisecond
	p.Multicast = fabric.Factory()
	if modify != nil {
		modify(&p)
	}

	c, err := NewClient(p)
	require.NoError(t, err)
	return c, p.RootFolder
}

func uri(s *server.Server, secure bool) string {
	scheme := connection.Scheme
	if secure {
		scheme = connection.SecureScheme
	}
	return scheme + "://" + s.Addr().String()
}

// requireSameFiles checks that every test file was copied exactly.
func requireSameFiles(t *testing.T, srcRoot, dstRoot string) {
	for _, f := range testFiles {
		expected, err := os.ReadFile(
			filepath.Join(srcRoot, "set", filepath.FromSlash(f.name)))
		require.NoError(t, err)
		received, err := os.ReadFile(
			filepath.Join(dstRoot, filepath.FromSlash(f.name)))
		require.NoError(t, err, f.name)
		require.True(t, bytes.Equal(expected, received),
			"contents of %s differ", f.name)
	}
}

// requireServerDrained waits for the server to drop every connection and
// session.
func requireServerDrained(t *testing.T, s *server.Server) {
	require.Eventually(t, func() bool {
		return s.NumConnections() == 0 && s.NumSessions() == 0
	}, 10*time.Second, 10*time.Millisecond)
}

// Tests that a directory of three files is copied byte for byte.
func TestClient_Download(t *testing.T) {
	fabric := connection.NewLoopback(nil)
	s, srcRoot := startServer(t, fabric, nil)

	var progressMux sync.Mutex
	var lastReceived, lastTotal int64
	c, dstRoot := newTestClient(t, fabric, func(p *Params) {
		p.Progress = func(received, total int64) {
			progressMux.Lock()
			defer progressMux.Unlock()
			lastReceived, lastTotal = received, total
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Download(ctx, uri(s, false), "set", 7))

	requireSameFiles(t, srcRoot, dstRoot)
	require.False(t, c.Written().Contains(false))
	require.Len(t, c.Files(), len(testFiles))

	progressMux.Lock()
	require.Equal(t, int64(1234+150000+150000), lastTotal)
	require.Equal(t, lastTotal, lastReceived)
	progressMux.Unlock()

	requireServerDrained(t, s)
}

// Tests that the transfer converges when only 80% of datagrams are
// delivered.
func TestClient_Download_PacketLoss(t *testing.T) {
	var prngMux sync.Mutex
	prng := rand.New(rand.NewSource(7))
	fabric := connection.NewLoopback(func([]byte) bool {
		prngMux.Lock()
		defer prngMux.Unlock()
		return prng.Float64() < 0.2
	})
	s, srcRoot := startServer(t, fabric, nil)
	c, dstRoot := newTestClient(t, fabric, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, c.Download(ctx, uri(s, false)+"/set", "", 0))

	requireSameFiles(t, srcRoot, dstRoot)
	require.False(t, c.Written().Contains(false))
	requireServerDrained(t, s)
}

// Tests that several clients of the same path share one session and all
// finish.
func TestClient_Download_SharedSession(t *testing.T) {
	fabric := connection.NewLoopback(nil)
	s, srcRoot := startServer(t, fabric, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const numClients = 3
	errs := make([]error, numClients)
	roots := make([]string, numClients)
	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		var c *Client
		c, roots[i] = newTestClient(t, fabric, nil)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Download(ctx, uri(s, false), "set", int64(i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < numClients; i++ {
		require.NoError(t, errs[i], "client "+strconv.Itoa(i))
		requireSameFiles(t, srcRoot, roots[i])
	}
	requireServerDrained(t, s)
}

// Tests a transfer over a secure control channel with segments encoded under
// a shared passphrase.
func TestClient_Download_SecurePassphrase(t *testing.T) {
	fabric := connection.NewLoopback(nil)
	s, srcRoot := startServer(t, fabric, func(p *server.Params) {
		p.Secure = true
		p.Encoder = encoder.NewPassphraseFactory("correct horse")
	})
	c, dstRoot := newTestClient(t, fabric, func(p *Params) {
		p.Encoder = encoder.NewPassphraseFactory("correct horse")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Download(ctx, uri(s, true), "set", 0))

	requireSameFiles(t, srcRoot, dstRoot)
	requireServerDrained(t, s)
}

// Tests that a client with a different passphrase is denied and never
// registered.
func TestClient_Download_WrongPassphrase(t *testing.T) {
	fabric := connection.NewLoopback(nil)
	s, _ := startServer(t, fabric, func(p *server.Params) {
		p.Encoder = encoder.NewPassphraseFactory("server passphrase")
	})
	c, dstRoot := newTestClient(t, fabric, func(p *Params) {
		p.Encoder = encoder.NewPassphraseFactory("client passphrase")
	})

	err := c.Download(context.Background(), uri(s, false), "set", 0)
	require.True(t, wire.IsAccessDenied(err), "unexpected error: %+v", err)
	require.False(t, wire.IsSessionAborted(err))
	require.Equal(t, 0, s.NumConnections())

	entries, err := os.ReadDir(dstRoot)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// Tests that a client without the server's encoder is denied.
func TestClient_Download_MissingEncoder(t *testing.T) {
	fabric := connection.NewLoopback(nil)
	s, _ := startServer(t, fabric, func(p *server.Params) {
		p.Encoder = encoder.NewPassphraseFactory("server passphrase")
	})
	c, _ := newTestClient(t, fabric, nil)

	err := c.Download(context.Background(), uri(s, false), "set", 0)
	require.True(t, wire.IsAccessDenied(err), "unexpected error: %+v", err)
	require.Equal(t, 0, s.NumConnections())
}

// Tests that a secure URI against a plain server is an InvalidOperation.
func TestClient_Download_SchemeMismatch(t *testing.T) {
	fabric := connection.NewLoopback(nil)
	s, _ := startServer(t, fabric, func(p *server.Params) {
		p.Encoder = encoder.NewPassphraseFactory("correct horse")
	})
	c, _ := newTestClient(t, fabric, func(p *Params) {
		p.Encoder = encoder.NewPassphraseFactory("correct horse")
	})

	err := c.Download(context.Background(), uri(s, true), "set", 0)
	require.True(t, wire.IsInvalidOperation(err), "unexpected error: %+v", err)
	require.Equal(t, 0, s.NumConnections())
}

// Tests that a secure URI is refused before dialing when the client has no
// encoder to hide the challenge key with.
func TestClient_Download_SecureWithoutEncoder(t *testing.T) {
	c, dstRoot := newTestClient(t, connection.NewLoopback(nil), nil)

	// Nothing listens here; the client must fail before connecting
	err := c.Download(context.Background(),
		connection.SecureScheme+"://127.0.0.1:1", "set", 0)
	require.True(t, wire.IsInvalidOperation(err), "unexpected error: %+v", err)

	entries, err := os.ReadDir(dstRoot)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// Tests that an unknown path is PathNotFound and changes nothing on the
// server.
func TestClient_Download_PathNotFound(t *testing.T) {
	fabric := connection.NewLoopback(nil)
	s, _ := startServer(t, fabric, nil)
	c, _ := newTestClient(t, fabric, nil)

	err := c.Download(context.Background(), uri(s, false), "missing", 0)
	require.True(t, wire.IsPathNotFound(err), "unexpected error: %+v", err)
	require.Equal(t, 0, s.NumConnections())
	require.Equal(t, 0, s.NumSessions())
}

// joinOnly connects a client and joins requestPath without downloading.
func joinOnly(t *testing.T, s *server.Server, c *Client, requestPath string) {
	ctx := context.Background()
	endpoint, err := connection.ParseURI(uri(s, false))
	require.NoError(t, err)
	require.NoError(t, c.ConnectToServer(ctx, endpoint))
	require.NoError(t, c.RequestFilesAndBeginReading(ctx, requestPath, 0))
	t.Cleanup(c.Close)
}

// Tests that the join after MaxConnections is rejected while the first
// connections stay registered.
func TestClient_MaxConnections(t *testing.T) {
	const maxConnections = 2
	fabric := connection.NewLoopback(nil)
	s, _ := startServer(t, fabric, func(p *server.Params) {
		p.MaxConnections = maxConnections
	})

	for i := 0; i < maxConnections; i++ {
		c, _ := newTestClient(t, fabric, nil)
		joinOnly(t, s, c, "set")
	}
	require.Equal(t, maxConnections, s.NumConnections())

	c, _ := newTestClient(t, fabric, nil)
	err := c.Download(context.Background(), uri(s, false), "set", 0)
	require.True(t, wire.IsInvalidOperation(err), "unexpected error: %+v", err)
	require.Equal(t, maxConnections, s.NumConnections())
}

// Tests that a new path after MaxSessions is rejected while the first
// sessions stay open.
func TestClient_MaxSessions(t *testing.T) {
	fabric := connection.NewLoopback(nil)
	s, _ := startServer(t, fabric, func(p *server.Params) {
		p.MaxSessions = 1
	})

	c, _ := newTestClient(t, fabric, nil)
	joinOnly(t, s, c, "set/small.bin")
	require.Equal(t, 1, s.NumSessions())

	c, _ = newTestClient(t, fabric, nil)
	err := c.Download(context.Background(), uri(s, false), "set/large1.bin", 0)
	require.True(t, wire.IsInvalidOperation(err), "unexpected error: %+v", err)
	require.Equal(t, 1, s.NumSessions())
	require.Equal(t, 1, s.NumConnections())
}

// Tests that a joined client that never reports is dropped after the response
// delay without stalling another client of the same session.
func TestClient_Download_UnresponsivePeer(t *testing.T) {
	fabric := connection.NewLoopback(nil)
	s, srcRoot := startServer(t, fabric, func(p *server.Params) {
		p.ResponseDelay = time.Second
	})

	hung, _ := newTestClient(t, fabric, nil)
	joinOnly(t, s, hung, "set")

	c, dstRoot := newTestClient(t, fabric, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, c.Download(ctx, uri(s, false), "set", 0))
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Download stalled behind the unresponsive client for %s.",
			elapsed)
	}

	requireSameFiles(t, srcRoot, dstRoot)
	requireServerDrained(t, s)
}

// Tests that heavy loss reported in the status rounds raises the burst delay
// of the session under the minimum policy.
func TestClient_Download_BurstDelayAdapts(t *testing.T) {
	var prngMux sync.Mutex
	prng := rand.New(rand.NewSource(11))
	fabric := connection.NewLoopback(func([]byte) bool {
		prngMux.Lock()
		defer prngMux.Unlock()
		return prng.Float64() < 0.5
	})
	s, srcRoot := startServer(t, fabric, func(p *server.Params) {
		p.DelayPolicy = server.Minimum
	})
	c, dstRoot := newTestClient(t, fabric, nil)

	// Record the largest delay seen while the session is open
	var maxDelay atomic.Int64
	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if session, ok := s.Session("set"); ok {
				if d := int64(session.BurstDelay()); d > maxDelay.Load() {
					maxDelay.Store(d)
				}
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	err := c.Download(ctx, uri(s, false), "set", 0)
	close(stop)
	<-watched
	require.NoError(t, err)

	requireSameFiles(t, srcRoot, dstRoot)
	if d := time.Duration(maxDelay.Load()); d <= time.Millisecond {
		t.Errorf("Burst delay did not rise under loss."+
			"\nexpected: > %s\nreceived: %s", time.Millisecond, d)
	}
	requireServerDrained(t, s)
}

// Tests that cancelling a download returns the cancellation unwrapped and
// removes the partial files.
func TestClient_Download_Cancel(t *testing.T) {
	// Deliver nothing so the download cannot finish
	fabric := connection.NewLoopback(func([]byte) bool { return true })
	s, _ := startServer(t, fabric, nil)
	c, dstRoot := newTestClient(t, fabric, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := c.Download(ctx, uri(s, false), "set", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, wire.IsSessionAborted(err))

	for _, f := range testFiles {
		_, err = os.Stat(filepath.Join(dstRoot, filepath.FromSlash(f.name)))
		require.True(t, os.IsNotExist(err), "%s was not deleted", f.name)
	}
}

// Tests that Verify rejects invalid parameters.
func TestParams_Verify(t *testing.T) {
	p := DefaultParams()
	if err := p.Verify(); err == nil {
		t.Errorf("Verify did not fail without a root folder.")
	}

	p.RootFolder = "root"
	if err := p.Verify(); err != nil {
		t.Errorf("Verify failed: %+v", err)
	}

	p.BufferSize = MinBufferSize - 1
	if err := p.Verify(); err == nil {
		t.Errorf("Verify did not fail for small buffer.")
	}

	p.BufferSize = MinBufferSize
	p.StatusInterval = 0
	if err := p.Verify(); err == nil {
		t.Errorf("Verify did not fail for zero status interval.")
	}
}
