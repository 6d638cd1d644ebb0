// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drubbo/kinoglaz-sub001/rtp"
)

// readFrames splits the peer side of the socket back into (channel, payload)
// frames.
func readFrames(t *testing.T, r io.Reader, n int) []struct {
	ch      byte
	payload []byte
} {
	t.Helper()
	br := bufio.NewReader(r)
	var out []struct {
		ch      byte
		payload []byte
	}
	for len(out) < n {
		hdr := make([]byte, 4)
		_, err := io.ReadFull(br, hdr)
		require.NoError(t, err)
		require.Equal(t, byte('$'), hdr[0])
		payload := make([]byte, binary.BigEndian.Uint16(hdr[2:]))
		_, err = io.ReadFull(br, payload)
		require.NoError(t, err)
		out = append(out, struct {
			ch      byte
			payload []byte
		}{hdr[1], payload})
	}
	return out
}

func TestInterleavedFramingRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	tunnel := NewTCPTunnel(server, 4096, time.Second)
	ch := newInterleavedChannel(0, 0, tunnel, nil)

	go func() {
		// two fragments of one frame, then the flushing last one
		ch.WriteSome([]byte{1, 2, 3})
		ch.WriteLast([]byte{4, 5})
	}()

	frames := readFrames(t, client, 2)
	require.Equal(t, byte(0), frames[0].ch)
	require.Equal(t, []byte{1, 2, 3}, frames[0].payload)
	require.Equal(t, []byte{4, 5}, frames[1].payload)
}

func TestInterleavedChannelRead(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	tunnel := NewTCPTunnel(server, 4096, time.Second)
	ch := newInterleavedChannel(1, 1, tunnel, nil)
	ch.SetReadTimeout(50 * time.Millisecond)

	// nothing queued: the read times out
	buf := make([]byte, 64)
	_, err := ch.ReadSome(buf)
	require.True(t, rtp.IsTimeout(err))

	ch.push([]byte{9, 9, 9})
	n, err := ch.ReadSome(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []byte{9, 9, 9}, buf[:3])
}

func TestInterleavedChannelCloseReleases(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	released := make(chan byte, 1)
	tunnel := NewTCPTunnel(server, 4096, time.Second)
	ch := newInterleavedChannel(4, 4, tunnel, func(id byte) { released <- id })

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close(), "double close must be idempotent")
	require.Equal(t, byte(4), <-released)

	_, err := ch.ReadSome(make([]byte, 8))
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestTunnelSerialisesMessagesAndFrames(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	tunnel := NewTCPTunnel(server, 4096, time.Second)

	go func() {
		tunnel.WriteFrame(2, []byte{0xAA}, true)
		tunnel.WriteMessage([]byte("RTSP/1.0 200 OK\r\n\r\n"))
	}()

	br := bufio.NewReader(client)
	hdr := make([]byte, 4)
	_, err := io.ReadFull(br, hdr)
	require.NoError(t, err)
	require.Equal(t, byte('$'), hdr[0])
	require.Equal(t, byte(2), hdr[1])
	payload := make([]byte, binary.BigEndian.Uint16(hdr[2:]))
	_, err = io.ReadFull(br, payload)
	require.NoError(t, err)

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "RTSP/1.0 200 OK\r\n", line)
}
