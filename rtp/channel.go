// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtp

import (
	"errors"
	"net"
	"time"
)

// ChannelType tells who owns the underlying transport.
type ChannelType int

const (
	// ChannelOwned is a UDP socket the session owns; ports return to the
	// pool on close.
	ChannelOwned ChannelType = iota
	// ChannelShared borrows the RTSP control socket (TCP interleaving).
	ChannelShared
	// ChannelOneShot buffers into the next RTSP reply body.
	ChannelOneShot
)

// Description identifies a channel pair endpoint for the Transport reply.
type Description struct {
	Type       ChannelType
	LocalPort  int
	RemotePort int
}

// Channel is the bidirectional byte transport of one RTP or RTCP flow.
// WriteLast marks the final fragment of a packet sequence so buffered shapes
// can flush.
type Channel interface {
	WriteSome(p []byte) (int, error)
	WriteLast(p []byte) (int, error)
	ReadSome(p []byte) (int, error)
	SetReadTimeout(d time.Duration)
	Description() Description
	Close() error
}

// ErrTimeout is returned by channel reads that ran out of their read timeout
// with no data. Implementations may instead surface a net.Error with
// Timeout() true; IsTimeout accepts both.
var ErrTimeout = errors.New("rtp: channel read timeout")

// IsTimeout reports whether err is a read/write deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsWouldBlock classifies a send failure as transient backpressure: the
// datagram (or interleaved frame) could not be written in time but the
// transport is still healthy. Gated by the session loss budget.
func IsWouldBlock(err error) bool { return IsTimeout(err) }

// UDPChannel is an owned, connected UDP socket with a write timeout.
// Datagram writes are atomic, WriteLast equals WriteSome.
type UDPChannel struct {
	conn         *net.UDPConn
	localPort    int
	remotePort   int
	writeTimeout time.Duration
	readTimeout  time.Duration
}

// DialUDPChannel binds the local port and connects to the remote peer.
func DialUDPChannel(localIP net.IP, localPort int, remote *net.UDPAddr, writeTimeout time.Duration) (*UDPChannel, error) {
	conn, err := net.DialUDP("udp", &net.UDPAddr{IP: localIP, Port: localPort}, remote)
	if err != nil {
		return nil, err
	}
	return &UDPChannel{
		conn:         conn,
		localPort:    localPort,
		remotePort:   remote.Port,
		writeTimeout: writeTimeout,
		readTimeout:  100 * time.Millisecond,
	}, nil
}

func (c *UDPChannel) WriteSome(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.Write(p)
}

func (c *UDPChannel) WriteLast(p []byte) (int, error) { return c.WriteSome(p) }

func (c *UDPChannel) ReadSome(p []byte) (int, error) {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.conn.Read(p)
}

func (c *UDPChannel) SetReadTimeout(d time.Duration) { c.readTimeout = d }

func (c *UDPChannel) Description() Description {
	return Description{Type: ChannelOwned, LocalPort: c.localPort, RemotePort: c.remotePort}
}

func (c *UDPChannel) Close() error { return c.conn.Close() }

// OneShotChannel buffers writes for embedding into the next RTSP reply body.
// Reads never yield data.
type OneShotChannel struct {
	buf []byte
}

func (c *OneShotChannel) WriteSome(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *OneShotChannel) WriteLast(p []byte) (int, error) { return c.WriteSome(p) }

func (c *OneShotChannel) ReadSome(p []byte) (int, error) { return 0, ErrTimeout }

func (c *OneShotChannel) SetReadTimeout(time.Duration) {}

func (c *OneShotChannel) Description() Description {
	return Description{Type: ChannelOneShot}
}

// Bytes drains the buffered payload.
func (c *OneShotChannel) Bytes() []byte {
	b := c.buf
	c.buf = nil
	return b
}

func (c *OneShotChannel) Close() error { return nil }
