// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	psdp "github.com/pion/sdp/v3"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/drubbo/kinoglaz-sub001/config"
)

// writeWAVFixture produces a one second 8 kHz mono sine file.
func writeWAVFixture(t *testing.T, dir, name string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)

	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 8000},
		SourceBitDepth: 16,
		Data:           make([]int, 8000),
	}
	for i := range buf.Data {
		buf.Data[i] = int(10000 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func testServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	writeWAVFixture(t, dir, "tone.wav")

	cfg := config.Default()
	cfg.Server.IP = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.SDP.BaseDir = dir
	cfg.RTP.BufferLow = 0.05
	cfg.RTP.BufferFull = 0.3
	cfg.RTP.UDPFirst = 40000
	cfg.RTP.UDPLast = 40099

	srv := NewServer(cfg)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(srv.Shutdown)

	return srv, srv.Addr().String()
}

// testClient drives the RTSP wire by hand.
type testClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
	cseq int
}

func dialTestClient(t *testing.T, addr string) *testClient {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *testClient) request(method, target string, headers map[string]string) {
	c.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, target)
	fmt.Fprintf(&b, "CSeq: %d\r\n", c.cseq)
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	_, err := c.conn.Write([]byte(b.String()))
	require.NoError(c.t, err)
}

// response reads the next RTSP reply, skipping interleaved frames.
func (c *testClient) response() (int, map[string]string, []byte) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		first, err := c.br.Peek(1)
		require.NoError(c.t, err)
		if first[0] == '$' {
			c.skipFrame()
			continue
		}
		break
	}

	line, err := c.br.ReadString('\n')
	require.NoError(c.t, err)
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	require.GreaterOrEqual(c.t, len(parts), 2)
	status, err := strconv.Atoi(parts[1])
	require.NoError(c.t, err)

	headers := map[string]string{}
	for {
		line, err := c.br.ReadString('\n')
		require.NoError(c.t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		require.True(c.t, ok)
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	var body []byte
	if cl := headers["Content-Length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		require.NoError(c.t, err)
		body = make([]byte, n)
		_, err = io.ReadFull(c.br, body)
		require.NoError(c.t, err)
	}
	return status, headers, body
}

func (c *testClient) skipFrame() {
	hdr := make([]byte, 4)
	_, err := io.ReadFull(c.br, hdr)
	require.NoError(c.t, err)
	payload := make([]byte, binary.BigEndian.Uint16(hdr[2:]))
	_, err = io.ReadFull(c.br, payload)
	require.NoError(c.t, err)
}

// frame reads the next interleaved frame, skipping nothing.
func (c *testClient) frame() (byte, []byte) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	hdr := make([]byte, 4)
	_, err := io.ReadFull(c.br, hdr)
	require.NoError(c.t, err)
	require.Equal(c.t, byte('$'), hdr[0])
	payload := make([]byte, binary.BigEndian.Uint16(hdr[2:]))
	_, err = io.ReadFull(c.br, payload)
	require.NoError(c.t, err)
	return hdr[1], payload
}

func TestServerOptions(t *testing.T) {
	_, addr := testServer(t)
	c := dialTestClient(t, addr)

	c.request("OPTIONS", "rtsp://"+addr+"/", nil)
	status, headers, _ := c.response()
	require.Equal(t, 200, status)
	for _, m := range []string{"DESCRIBE", "SETUP", "PLAY", "PAUSE", "TEARDOWN"} {
		require.Contains(t, headers["Public"], m)
	}
}

func TestServerDescribeRoundTrip(t *testing.T) {
	_, addr := testServer(t)
	c := dialTestClient(t, addr)

	target := "rtsp://" + addr + "/tone.wav"
	c.request("DESCRIBE", target, map[string]string{"Accept": "application/sdp"})
	status, headers, body := c.response()
	require.Equal(t, 200, status)
	require.Equal(t, "application/sdp", headers["Content-Type"])

	var sd psdp.SessionDescription
	require.NoError(t, sd.Unmarshal(body))
	require.Len(t, sd.MediaDescriptions, 1)

	md := sd.MediaDescriptions[0]
	require.Equal(t, "audio", md.MediaName.Media)
	rtpmap, ok := md.Attribute("rtpmap")
	require.True(t, ok)
	require.Contains(t, rtpmap, "L16/8000")
	control, ok := md.Attribute("control")
	require.True(t, ok)
	require.Contains(t, control, "/tk=0")
}

func TestServerDescribeMissingFile(t *testing.T) {
	_, addr := testServer(t)
	c := dialTestClient(t, addr)

	c.request("DESCRIBE", "rtsp://"+addr+"/absent.wav", nil)
	status, _, _ := c.response()
	require.Equal(t, 404, status)
}

func TestServerInterleavedPlayTeardown(t *testing.T) {
	srv, addr := testServer(t)
	c := dialTestClient(t, addr)
	target := "rtsp://" + addr + "/tone.wav"

	c.request("SETUP", target+"/tk=0", map[string]string{
		"Transport": "RTP/AVP/TCP;interleaved=0-1",
	})
	status, headers, _ := c.response()
	require.Equal(t, 200, status)
	sess := headers["Session"]
	require.NotEmpty(t, sess)
	require.Contains(t, headers["Transport"], "interleaved=0-1")
	require.Contains(t, headers["Transport"], "ssrc=")

	c.request("PLAY", target, map[string]string{"Session": sess})
	status, headers, _ = c.response()
	require.Equal(t, 200, status)
	require.Contains(t, headers["Range"], "npt=0.000-")

	// RTP flows $-framed on channel 0; collect a few packets and check
	// ordering
	var pkts []*rtp.Packet
	for len(pkts) < 5 {
		ch, payload := c.frame()
		if ch != 0 {
			continue
		}
		p := &rtp.Packet{}
		require.NoError(t, p.Unmarshal(payload))
		pkts = append(pkts, p)
	}
	for i := 1; i < len(pkts); i++ {
		require.Equal(t, pkts[i-1].SequenceNumber+1, pkts[i].SequenceNumber)
		require.GreaterOrEqual(t, pkts[i].Timestamp, pkts[i-1].Timestamp)
	}

	c.request("TEARDOWN", target, map[string]string{"Session": sess})
	status, _, _ = c.response()
	require.Equal(t, 200, status)

	require.Eventually(t, func() bool { return srv.ConnectionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServerUDPSetupReleasesPortsOnTeardown(t *testing.T) {
	srv, addr := testServer(t)
	c := dialTestClient(t, addr)
	target := "rtsp://" + addr + "/tone.wav"

	// a local socket pair stands in for the client media endpoint
	rtpSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer rtpSock.Close()
	clientPort := rtpSock.LocalAddr().(*net.UDPAddr).Port

	c.request("SETUP", target+"/tk=0", map[string]string{
		"Transport": fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", clientPort, clientPort+1),
	})
	status, headers, _ := c.response()
	require.Equal(t, 200, status)
	sess := headers["Session"]

	var serverPort int
	for _, f := range strings.Split(headers["Transport"], ";") {
		if v, ok := strings.CutPrefix(f, "server_port="); ok {
			lo, _, _ := strings.Cut(v, "-")
			serverPort, _ = strconv.Atoi(lo)
		}
	}
	require.NotZero(t, serverPort)
	require.True(t, srv.Ports().InUse(serverPort))

	c.request("PLAY", target, map[string]string{"Session": sess})
	status, _, _ = c.response()
	require.Equal(t, 200, status)

	// media arrives on the UDP socket
	rtpSock.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, err := rtpSock.Read(buf)
	require.NoError(t, err)
	p := &rtp.Packet{}
	require.NoError(t, p.Unmarshal(buf[:n]))
	require.Equal(t, uint32(0), p.Timestamp)

	c.request("TEARDOWN", target, map[string]string{"Session": sess})
	status, _, _ = c.response()
	require.Equal(t, 200, status)

	require.Eventually(t, func() bool { return !srv.Ports().InUse(serverPort) },
		2*time.Second, 10*time.Millisecond)
}

func TestServerSessionNotFound(t *testing.T) {
	_, addr := testServer(t)
	c := dialTestClient(t, addr)

	c.request("PLAY", "rtsp://"+addr+"/tone.wav", map[string]string{"Session": "nope"})
	status, _, _ := c.response()
	require.Equal(t, 454, status)
}

func TestServerConnectionLimit(t *testing.T) {
	dir := t.TempDir()
	writeWAVFixture(t, dir, "tone.wav")

	cfg := config.Default()
	cfg.Server.IP = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Limit = 1
	cfg.SDP.BaseDir = dir

	srv := NewServer(cfg)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(srv.Shutdown)
	addr := srv.Addr().String()

	c1 := dialTestClient(t, addr)
	c1.request("OPTIONS", "rtsp://"+addr+"/", nil)
	status, _, _ := c1.response()
	require.Equal(t, 200, status)

	// the second connection is refused outright
	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn2.Close()
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn2.Read(make([]byte, 1))
	require.Error(t, err)
}
