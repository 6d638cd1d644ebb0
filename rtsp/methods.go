// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/drubbo/kinoglaz-sub001/rtp"
	"github.com/drubbo/kinoglaz-sub001/sdp"
)

// methods the dispatcher serves, in the order OPTIONS advertises them.
var supportedMethods = []string{
	"OPTIONS", "DESCRIBE", "SETUP", "PLAY", "PAUSE",
	"TEARDOWN", "GET_PARAMETER", "SET_PARAMETER",
}

type methodHandler func(c *Connection, rq *Request, resp *Response) error

var methodTable = map[string]methodHandler{
	"OPTIONS":       (*Connection).handleOptions,
	"DESCRIBE":      (*Connection).handleDescribe,
	"SETUP":         (*Connection).handleSetup,
	"PLAY":          (*Connection).handlePlay,
	"PAUSE":         (*Connection).handlePause,
	"TEARDOWN":      (*Connection).handleTeardown,
	"GET_PARAMETER": (*Connection).handleGetParameter,
	"SET_PARAMETER": (*Connection).handleSetParameter,
}

// dispatch routes one request through the method table and folds managed
// errors into the declared status; the connection keeps serving afterwards.
func (c *Connection) dispatch(rq *Request) *Response {
	resp := NewResponse(StatusOK, rq.CSeq)

	handler, ok := methodTable[rq.Method]
	if !ok {
		c.log.Debug().Str("method", rq.Method).Msg("Method not implemented")
		return NewResponse(StatusNotImplemented, rq.CSeq)
	}

	if err := handler(c, rq, resp); err != nil {
		var rerr *Error
		if errors.As(err, &rerr) {
			c.log.Debug().Err(err).Str("method", rq.Method).Msg("Request failed")
			return NewResponse(rerr.Code, rq.CSeq)
		}
		c.log.Error().Err(err).Str("method", rq.Method).Msg("Request failed hard")
		return NewResponse(StatusInternalServerError, rq.CSeq)
	}
	return resp
}

func (c *Connection) handleOptions(rq *Request, resp *Response) error {
	resp.Header["Public"] = strings.Join(supportedMethods, ", ")
	return nil
}

func (c *Connection) handleDescribe(rq *Request, resp *Response) error {
	if accept := rq.Header["Accept"]; accept != "" && !strings.Contains(accept, "application/sdp") {
		return Errf(StatusUnsupportedMediaType, "client accepts %q", accept)
	}

	file, _ := splitTarget(rq)
	if file == "" {
		return Errf(StatusNotFound, "empty presentation path")
	}
	cnt, err := c.loadDescription(file)
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) {
			return err
		}
		return Errf(StatusNotFound, "%v", err)
	}

	body, err := sdpDescribe(cnt, rq.Target, c.localIP(), c.cfg.SDP.Aggregate)
	if err != nil {
		return err
	}
	resp.Header["Content-Type"] = "application/sdp"
	resp.Header["Content-Base"] = strings.TrimSuffix(rq.Target, "/") + "/"
	resp.Body = body
	return nil
}

func (c *Connection) handleSetup(rq *Request, resp *Response) error {
	tr := rq.Header["Transport"]
	if tr == "" {
		return Errf(StatusBadRequest, "SETUP without Transport")
	}
	ts, err := ParseTransport(tr)
	if err != nil {
		return err
	}

	file, track := splitTarget(rq)
	if track == "" {
		return Errf(StatusUnsupportedTransport, "SETUP needs a track control URL")
	}
	trackIdx, err := strconv.Atoi(track)
	if err != nil {
		return Errf(StatusBadRequest, "bad track %q", track)
	}

	cnt, err := c.getDescription(file)
	if err != nil {
		// SETUP without a prior DESCRIBE is legal, load on demand
		if cnt, err = c.loadDescription(file); err != nil {
			return Errf(StatusNotFound, "%v", err)
		}
	}
	med, err := cnt.Medium(trackIdx)
	if err != nil {
		return Errf(StatusNotFound, "%v", err)
	}

	sessID := rq.Session()
	var sess *Session
	if sessID == "" {
		sessID = newSessionID()
		if sess, err = c.createSession(sessID); err != nil {
			return err
		}
	} else if sess, err = c.getSession(sessID); err != nil {
		return err
	}

	rs, err := sess.CreateRTPSession(track, med, ts, c.remoteIP())
	if err != nil {
		return err
	}

	resp.Header["Session"] = sessID
	resp.Header["Transport"] = transportReply(ts, rs)
	return nil
}

// transportReply echoes the negotiated transport with the server side ports
// or channels and the session ssrc.
func transportReply(ts TransportSpec, rs *rtp.Session) string {
	ssrc := fmt.Sprintf("%08X", rs.SSRC())
	if ts.Proto == "RTP/AVP/TCP" {
		d := rs.RTPDescription()
		dc := rs.RTCPDescription()
		return fmt.Sprintf("RTP/AVP/TCP;interleaved=%d-%d;ssrc=%s", d.LocalPort, dc.LocalPort, ssrc)
	}
	d := rs.RTPDescription()
	dc := rs.RTCPDescription()
	return fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;server_port=%d-%d;ssrc=%s",
		d.RemotePort, dc.RemotePort, d.LocalPort, dc.LocalPort, ssrc)
}

func (c *Connection) handlePlay(rq *Request, resp *Response) error {
	sess, err := c.getSession(rq.Session())
	if err != nil {
		return err
	}

	prq := rtp.NewPlayRequest()
	if v := rq.Header["Range"]; v != "" {
		rs, err := ParseRange(v)
		if err != nil {
			return err
		}
		if rs.HasFrom {
			if rs.From != 0 && !c.cfg.RTSP.SupportSeek {
				return Errf(StatusInvalidState, "seek support is disabled")
			}
			prq.From = rs.From
			prq.HasRange = true
		}
		if rs.HasTo {
			prq.To = rs.To
		}
	}
	if v := rq.Header["Scale"]; v != "" {
		spd, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || spd == 0 {
			return Errf(StatusBadRequest, "bad scale %q", v)
		}
		prq.Speed = spd
		prq.HasScale = true
	}

	// a PLAY with no range on a paused session resumes it in place
	if !prq.HasRange && !prq.HasScale && sess.HasPlayed() {
		sess.Unpause()
		resp.Header["Session"] = sess.ID()
		return nil
	}

	merged, err := sess.Play(prq)
	if err != nil {
		return err
	}

	resp.Header["Session"] = sess.ID()
	resp.Header["Range"] = FormatRange(merged.From, merged.To)
	if merged.HasScale {
		resp.Header["Scale"] = strconv.FormatFloat(merged.Speed, 'f', 1, 64)
	}

	var infos []string
	for track, rs := range sess.tracks() {
		infos = append(infos, fmt.Sprintf("url=%s/tk=%s;seq=%d;rtptime=%d",
			strings.TrimSuffix(rq.Target, "/"), track,
			rs.StartSeq(), rs.Timeline().RTPTime(merged.From)))
	}
	if len(infos) > 0 {
		resp.Header["RTP-Info"] = strings.Join(infos, ",")
	}
	return nil
}

func (c *Connection) handlePause(rq *Request, resp *Response) error {
	sess, err := c.getSession(rq.Session())
	if err != nil {
		return err
	}
	sess.Pause()
	resp.Header["Session"] = sess.ID()
	return nil
}

func (c *Connection) handleTeardown(rq *Request, resp *Response) error {
	sess, err := c.getSession(rq.Session())
	if err != nil {
		return err
	}

	if _, track := splitTarget(rq); track != "" {
		if err := sess.RemoveTrack(track); err != nil {
			return err
		}
	} else {
		sess.Teardown()
		c.removeSession(sess.ID())
	}
	resp.Header["Session"] = sess.ID()
	return nil
}

// handleGetParameter answers the empty-body keepalive form.
func (c *Connection) handleGetParameter(rq *Request, resp *Response) error {
	if rq.Session() != "" {
		if _, err := c.getSession(rq.Session()); err != nil {
			return err
		}
		resp.Header["Session"] = rq.Session()
	}
	return nil
}

// handleSetParameter serves the spot-insertion parameter and ignores any
// other. An "insert: <file> <seconds>" body line splices the named container
// into the playing presentation at the first safe instant.
func (c *Connection) handleSetParameter(rq *Request, resp *Response) error {
	if rq.Session() != "" {
		resp.Header["Session"] = rq.Session()
	}

	for _, line := range strings.Split(string(rq.Body), "\n") {
		val, ok := strings.CutPrefix(strings.TrimSpace(line), "insert:")
		if !ok {
			continue
		}
		fields := strings.Fields(val)
		if len(fields) != 2 {
			return Errf(StatusBadRequest, "malformed insert parameter %q", line)
		}
		at, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Errf(StatusBadRequest, "bad insert instant %q", fields[1])
		}

		sess, err := c.getSession(rq.Session())
		if err != nil {
			return err
		}
		other, err := c.loadDescription(fields[0])
		if err != nil {
			return Errf(StatusNotFound, "%v", err)
		}
		if err := sess.InsertMedia(other, at); err != nil {
			return err
		}
	}
	return nil
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// sdpDescribe builds the DESCRIBE body from a loaded descriptor.
func sdpDescribe(cnt *sdp.Container, target string, ip net.IP, aggregate bool) ([]byte, error) {
	return sdp.Describe(cnt, strings.TrimSuffix(target, "/"), ip, aggregate)
}
