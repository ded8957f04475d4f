// Package xenstore implements a minimal client for the Xen hypervisor's
// key-value store wire protocol, used to read and write per-domain
// configuration keys and to subscribe to change notifications.
//
// No third-party Go client for this protocol exists in the dependency
// pack or the broader ecosystem reachable here; a cgo binding against
// libxenstore isn't an option without fabricating a dependency. This
// package is therefore written against the standard library only — see
// DESIGN.md for the explicit justification.
package xenstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Wire message types, per the documented xenstore ring protocol.
type msgType uint32

const (
	xsRead      msgType = 2
	xsWrite     msgType = 11
	xsWatch     msgType = 4
	xsUnwatch   msgType = 5
	xsDirectory msgType = 1
	xsError     msgType = 16
	xsWatchEvt  msgType = 15
)

const headerLen = 16

// header mirrors the fixed-size frame prologue: type, request id,
// transaction id, and payload length, each a little-endian uint32.
type header struct {
	Type   uint32
	ReqID  uint32
	TxID   uint32
	Length uint32
}

type reply struct {
	h    header
	body []byte
	err  error
}

// Client is a connected xenstore client, safe for concurrent use. A
// single background goroutine owns the connection's read side: it routes
// watch-event frames to their subscriber channel and ordinary replies to
// the pending request that requested them, keyed by request id. This
// lets Watch subscriptions keep delivering events even while no Read/
// Write call is in flight, which the daemon's "block on the next watch
// event indefinitely" event loop depends on.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex
	nextReq uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan reply

	watchMu sync.Mutex
	watches map[string]chan string

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the xenstore unix domain socket at path (typically
// /var/run/xenstored/socket).
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "dial xenstore socket")
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan reply),
		watches: make(map[string]chan string),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the underlying connection; the background reader goroutine
// exits on the resulting read error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// readLoop is the sole reader of the connection. It runs for the lifetime
// of the client, dispatching every frame to either a watch subscriber or
// a waiting request.
func (c *Client) readLoop() {
	br := bufio.NewReader(c.conn)
	for {
		h, body, err := readFrame(br)
		if err != nil {
			c.failAllPending(err)
			return
		}

		if msgType(h.Type) == xsWatchEvt {
			c.routeWatchEvent(body)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[h.ReqID]
		if ok {
			delete(c.pending, h.ReqID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- reply{h: h, body: body}
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- reply{err: err}
		delete(c.pending, id)
	}
}

func readFrame(br *bufio.Reader) (header, []byte, error) {
	var raw [headerLen]byte
	if _, err := io.ReadFull(br, raw[:]); err != nil {
		return header{}, nil, errors.Wrap(err, "read frame header")
	}
	h := header{
		Type:   binary.LittleEndian.Uint32(raw[0:4]),
		ReqID:  binary.LittleEndian.Uint32(raw[4:8]),
		TxID:   binary.LittleEndian.Uint32(raw[8:12]),
		Length: binary.LittleEndian.Uint32(raw[12:16]),
	}
	body := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(br, body); err != nil {
			return header{}, nil, errors.Wrap(err, "read frame body")
		}
	}
	return h, body, nil
}

// call sends a request frame and blocks for its matched reply.
func (c *Client) call(t msgType, body []byte) (header, []byte, error) {
	c.writeMu.Lock()
	c.nextReq++
	reqID := c.nextReq

	respCh := make(chan reply, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respCh
	c.pendingMu.Unlock()

	buf := make([]byte, headerLen+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(t))
	binary.LittleEndian.PutUint32(buf[4:8], reqID)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(body)))
	copy(buf[headerLen:], body)

	_, writeErr := c.conn.Write(buf)
	c.writeMu.Unlock()

	if writeErr != nil {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return header{}, nil, errors.Wrap(writeErr, "write request")
	}

	r := <-respCh
	if r.err != nil {
		return header{}, nil, r.err
	}
	if msgType(r.h.Type) == xsError {
		return header{}, nil, errors.Wrapf(errNoEntry, "%s", trimNul(r.body))
	}
	return r.h, r.body, nil
}

func (c *Client) routeWatchEvent(body []byte) {
	parts := splitNulTerminated(body)
	if len(parts) == 0 {
		return
	}
	key := parts[0]

	c.watchMu.Lock()
	ch, ok := c.watches[key]
	c.watchMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- key:
	default:
		// Coalesce: a pending unread event already signals "re-check."
	}
}

func splitNulTerminated(body []byte) []string {
	var parts []string
	start := 0
	for i, b := range body {
		if b == 0 {
			parts = append(parts, string(body[start:i]))
			start = i + 1
		}
	}
	return parts
}

// Read returns the raw value at key, or ("", false, nil) if the key does
// not exist.
func (c *Client) Read(key string) (string, bool, error) {
	body := append([]byte(key), 0)
	_, resp, err := c.call(xsRead, body)
	if err != nil {
		if isNoEntry(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return trimNul(resp), true, nil
}

// Write publishes value at key.
func (c *Client) Write(key, value string) error {
	body := append(append([]byte(key), 0), []byte(value)...)
	_, _, err := c.call(xsWrite, body)
	return err
}

// Directory lists the immediate children of key.
func (c *Client) Directory(key string) ([]string, error) {
	body := append([]byte(key), 0)
	_, resp, err := c.call(xsDirectory, body)
	if err != nil {
		if isNoEntry(err) {
			return nil, nil
		}
		return nil, err
	}
	return splitNulTerminated(resp), nil
}

// Watch subscribes to key, returning a channel that receives key each
// time the store reports a change. The channel is buffered by one and
// coalesces bursts: callers re-read full state on every fire rather than
// trusting event payloads, matching how XsWatcher consumes it.
func (c *Client) Watch(key string) (<-chan string, error) {
	ch := make(chan string, 1)
	c.watchMu.Lock()
	c.watches[key] = ch
	c.watchMu.Unlock()

	token := fmt.Sprintf("tok-%s", key)
	body := append(append([]byte(key), 0), append([]byte(token), 0)...)
	if _, _, err := c.call(xsWatch, body); err != nil {
		c.watchMu.Lock()
		delete(c.watches, key)
		c.watchMu.Unlock()
		return nil, err
	}
	return ch, nil
}

// Unwatch cancels a prior Watch subscription.
func (c *Client) Unwatch(key string) error {
	token := fmt.Sprintf("tok-%s", key)
	body := append(append([]byte(key), 0), append([]byte(token), 0)...)
	_, _, err := c.call(xsUnwatch, body)

	c.watchMu.Lock()
	delete(c.watches, key)
	c.watchMu.Unlock()

	return err
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// isNoEntry reports whether err represents the store's error reply,
// which callers treat as a transient, swallowable miss rather than a
// hard failure.
func isNoEntry(err error) bool {
	return errors.Is(err, errNoEntry)
}

var errNoEntry = errors.New("xenstore: store error reply")
