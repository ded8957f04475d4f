package qmemman

import (
	"bufio"
	"context"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const maxRequestLineBytes = 1024

// RequestServer listens on a local unix socket and services ballooning
// requests, one at a time per connection, holding State's mutex for the
// life of the connection so the reserved memory stays parked until the
// caller disconnects.
type RequestServer struct {
	state    *State
	log      *logrus.Entry
	listener net.Listener
}

// NewRequestServer binds a unix socket at path, world-writable (umask 0 at
// bind time, restored immediately after), matching the original daemon's
// socket permission handling.
func NewRequestServer(path string, state *State, log *logrus.Entry) (*RequestServer, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "remove stale socket")
	}

	oldMask := unix.Umask(0)
	ln, err := net.Listen("unix", path)
	unix.Umask(oldMask)
	if err != nil {
		return nil, errors.Wrap(err, "bind request socket")
	}

	return &RequestServer{state: state, log: log, listener: ln}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed.
func (s *RequestServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "accept")
			}
		}
		go s.handle(ctx, conn)
	}
}

// Close releases the listener.
func (s *RequestServer) Close() error {
	return s.listener.Close()
}

// handle services exactly one request per connection: read a line,
// parse it as a byte count, run DoBalloon while holding the state lock
// for the whole connection, reply, and keep the connection (and the
// reservation) open until the client disconnects. A second line sent on
// the same connection is refused without being acted on.
func (s *RequestServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, maxRequestLineBytes)
	line, err := reader.ReadSlice('\n')
	if err != nil {
		s.log.WithError(err).Debug("no complete request line within the size limit")
		return
	}

	requested, err := strconv.ParseUint(strings.TrimSpace(string(line)), 10, 64)
	if err != nil {
		s.log.WithError(err).Warn("malformed balloon request")
		s.reply(conn, false)
		return
	}

	// The lock is acquired here and held for the rest of the connection,
	// not just for the DoBalloon call: the reservation this grants must
	// stay parked against concurrent watcher-driven rebalancing until
	// the caller disconnects. See spec.md §4.5/§5.
	s.state.Lock()
	defer s.state.Unlock()

	ok := s.state.DoBalloonLocked(ctx, requested)
	s.reply(conn, ok)

	// Hold the connection open (and with it the lock) until the client
	// closes it. Any further bytes sent are a protocol violation; drain
	// and ignore them rather than acting a second time.
	_, _ = reader.ReadString('\n')

	s.state.SetForceReenumerate()
}

func (s *RequestServer) reply(conn net.Conn, ok bool) {
	msg := "FAIL\n"
	if ok {
		msg = "OK\n"
	}
	if _, err := conn.Write([]byte(msg)); err != nil {
		s.log.WithError(err).Debug("failed to write reply")
	}
}
