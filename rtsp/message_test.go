// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadRequest(t *testing.T) {
	raw := "DESCRIBE rtsp://host:8554/file.mp3 RTSP/1.0\r\n" +
		"CSeq: 3\r\n" +
		"Accept: application/sdp\r\n" +
		"User-Agent: VLC/1.0.6\r\n" +
		"\r\n"
	rq, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, "DESCRIBE", rq.Method)
	require.Equal(t, "rtsp://host:8554/file.mp3", rq.Target)
	require.Equal(t, 3, rq.CSeq)
	require.Equal(t, "application/sdp", rq.Header["Accept"])
	require.Equal(t, "/file.mp3", rq.URL.Path)
}

func TestReadRequestWithBody(t *testing.T) {
	raw := "SET_PARAMETER rtsp://host/file RTSP/1.0\r\n" +
		"CSeq: 9\r\n" +
		"Session: abc;timeout=60\r\n" +
		"Content-Length: 5\r\n" +
		"\r\n" +
		"hello"
	rq, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), rq.Body)
	require.Equal(t, "abc", rq.Session())
}

func TestReadRequestMalformed(t *testing.T) {
	raw := "NONSENSE\r\n\r\n"
	_, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, StatusBadRequest, rerr.Code)
}

func TestResponseMarshal(t *testing.T) {
	resp := NewResponse(StatusOK, 7)
	resp.Header["Session"] = "xyz"
	resp.Body = []byte("v=0\r\n")

	out := string(resp.Marshal())
	require.True(t, strings.HasPrefix(out, "RTSP/1.0 200 OK\r\n"))
	require.Contains(t, out, "CSeq: 7\r\n")
	require.Contains(t, out, "Date: ")
	require.Contains(t, out, "Session: xyz\r\n")
	require.Contains(t, out, "Content-Length: 5\r\n")
	require.True(t, strings.HasSuffix(out, "\r\n\r\nv=0\r\n"))
}

func TestStatusLines(t *testing.T) {
	require.Equal(t, "Session Not Found", StatusText(454))
	require.Equal(t, "Not Enough Bandwidth", StatusText(453))
	require.Equal(t, "Unsupported Transport", StatusText(461))
	require.Equal(t, "Conflict", StatusText(409))
}

func TestParseRange(t *testing.T) {
	rs, err := ParseRange("npt=4.0-")
	require.NoError(t, err)
	require.True(t, rs.HasFrom)
	require.False(t, rs.HasTo)
	require.Equal(t, 4.0, rs.From)

	rs, err = ParseRange("npt=0-10.5")
	require.NoError(t, err)
	require.Equal(t, 0.0, rs.From)
	require.Equal(t, 10.5, rs.To)
	require.True(t, rs.HasTo)

	rs, err = ParseRange("npt=now-")
	require.NoError(t, err)
	require.False(t, rs.HasFrom)

	_, err = ParseRange("clock=19961108T143720.25Z-")
	require.Error(t, err)
}

func TestParseTransportUDP(t *testing.T) {
	ts, err := ParseTransport("RTP/AVP;unicast;client_port=5000-5001")
	require.NoError(t, err)
	require.Equal(t, "RTP/AVP", ts.Proto)
	require.True(t, ts.Unicast)
	require.Equal(t, [2]int{5000, 5001}, ts.ClientPorts)
	require.True(t, ts.HasClientPorts)
	require.False(t, ts.HasInterleaved)
}

func TestParseTransportTCP(t *testing.T) {
	ts, err := ParseTransport("RTP/AVP/TCP;interleaved=0-1")
	require.NoError(t, err)
	require.Equal(t, "RTP/AVP/TCP", ts.Proto)
	require.Equal(t, [2]int{0, 1}, ts.Interleaved)
	require.True(t, ts.HasInterleaved)
}

func TestParseTransportPicksSupportedAlternative(t *testing.T) {
	ts, err := ParseTransport("RTP/AVP;multicast, RTP/AVP;unicast;client_port=6000-6001;ssrc=DEADBEEF")
	require.NoError(t, err)
	require.Equal(t, [2]int{6000, 6001}, ts.ClientPorts)
	require.True(t, ts.HasSSRC)
	require.Equal(t, uint32(0xDEADBEEF), ts.SSRC)
}

func TestParseTransportRejectsUnknown(t *testing.T) {
	_, err := ParseTransport("RAW/RAW/UDP;unicast")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, StatusUnsupportedTransport, rerr.Code)
}

func TestFormatRange(t *testing.T) {
	require.Equal(t, "npt=0.000-10.000", FormatRange(0, 10))
	require.Equal(t, "npt=4.500-", FormatRange(4.5, 0))
}
