// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"bufio"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/drubbo/kinoglaz-sub001/rtp"
)

// interleaveMagic opens every interleaved frame on the RTSP socket.
const interleaveMagic = '$'

// TCPTunnel is the shared write side of one RTSP socket. RTSP replies and
// interleaved frames of every channel serialise through its mutex; the
// buffered writer coalesces fragments until a flush point.
type TCPTunnel struct {
	mu   sync.Mutex
	conn net.Conn
	bw   *bufio.Writer

	writeTimeout time.Duration
}

func NewTCPTunnel(conn net.Conn, bufSize int, writeTimeout time.Duration) *TCPTunnel {
	if bufSize <= 0 {
		bufSize = 4096
	}
	return &TCPTunnel{
		conn:         conn,
		bw:           bufio.NewWriterSize(conn, bufSize),
		writeTimeout: writeTimeout,
	}
}

// WriteMessage sends an RTSP message and flushes.
func (t *TCPTunnel) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline()
	if _, err := t.bw.Write(data); err != nil {
		return err
	}
	return t.bw.Flush()
}

// WriteFrame sends one interleaved frame: magic, channel id, 16-bit length,
// payload. flush drains the buffered writer, set on the last fragment of a
// packet sequence.
func (t *TCPTunnel) WriteFrame(channel byte, payload []byte, flush bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deadline()
	hdr := [4]byte{interleaveMagic, channel}
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(payload)))
	if _, err := t.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := t.bw.Write(payload); err != nil {
		return err
	}
	if flush {
		return t.bw.Flush()
	}
	return nil
}

func (t *TCPTunnel) deadline() {
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
}

func (t *TCPTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bw.Flush()
	return t.conn.Close()
}

// InterleavedChannel is the borrowed TCP shape of an RTP/RTCP flow: writes
// frame onto the shared tunnel, reads come from the connection demultiplexer
// through an in-memory queue.
type InterleavedChannel struct {
	local  byte
	remote byte
	tunnel *TCPTunnel

	recv    chan []byte
	readTO  time.Duration
	closeMu sync.Mutex
	closed  bool
	done    chan struct{}

	onClose func(local byte)
}

func newInterleavedChannel(local, remote byte, tunnel *TCPTunnel, onClose func(byte)) *InterleavedChannel {
	return &InterleavedChannel{
		local:   local,
		remote:  remote,
		tunnel:  tunnel,
		recv:    make(chan []byte, 64),
		readTO:  100 * time.Millisecond,
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (c *InterleavedChannel) WriteSome(p []byte) (int, error) {
	if err := c.tunnel.WriteFrame(c.remote, p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *InterleavedChannel) WriteLast(p []byte) (int, error) {
	if err := c.tunnel.WriteFrame(c.remote, p, true); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *InterleavedChannel) ReadSome(p []byte) (int, error) {
	timer := time.NewTimer(c.readTO)
	defer timer.Stop()
	select {
	case data := <-c.recv:
		return copy(p, data), nil
	case <-c.done:
		return 0, net.ErrClosed
	case <-timer.C:
		return 0, rtp.ErrTimeout
	}
}

func (c *InterleavedChannel) SetReadTimeout(d time.Duration) { c.readTO = d }

// push feeds one inbound frame from the socket demultiplexer. A saturated
// queue drops the oldest frame, RTCP tolerates loss.
func (c *InterleavedChannel) push(data []byte) {
	select {
	case c.recv <- data:
	default:
		select {
		case <-c.recv:
		default:
		}
		select {
		case c.recv <- data:
		default:
		}
	}
}

func (c *InterleavedChannel) Description() rtp.Description {
	return rtp.Description{
		Type:       rtp.ChannelShared,
		LocalPort:  int(c.local),
		RemotePort: int(c.remote),
	}
}

// Close detaches from the tunnel without touching the shared socket.
func (c *InterleavedChannel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.onClose != nil {
		c.onClose(c.local)
	}
	return nil
}
