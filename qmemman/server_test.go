package qmemman

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestServerGrantsAndHoldsLockUntilDisconnect(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "qmemman.sock")

	hv := &fakeHypervisor{freeKiB: 1000 * 1024}
	s := newTestState(t, hv, newFakeStore())

	srv, err := NewRequestServer(sockPath, s, testLogger())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)

	_, err = conn.Write([]byte("100\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", string(buf[:n]))

	// Before the client disconnects, the daemon must not yet have flagged
	// a re-enumeration: the lock (and grant) is still parked.
	assert.False(t, s.forceReenumerate.Load())

	conn.Close()

	require.Eventually(t, func() bool {
		return s.ConsumeForceReenumerate()
	}, 2*time.Second, 10*time.Millisecond, "disconnect must flag a forced re-enumeration")
}

func TestRequestServerRejectsMalformedRequest(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "qmemman.sock")

	s := newTestState(t, &fakeHypervisor{}, newFakeStore())
	srv, err := NewRequestServer(sockPath, s, testLogger())
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not-a-number\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "FAIL\n", string(buf[:n]))
}
