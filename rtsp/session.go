// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"fmt"
	"math"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drubbo/kinoglaz-sub001/media"
	"github.com/drubbo/kinoglaz-sub001/rtp"
	"github.com/drubbo/kinoglaz-sub001/sdp"
)

// Session aggregates the RTP sessions of one presentation under one client
// session id. Cross-track operations (play merge, pause, media insertion) go
// through here so all tracks share the same range and speed.
type Session struct {
	id   string
	conn *Connection

	mu         sync.Mutex
	sessions   map[string]*rtp.Session
	playIssued bool

	cname string

	log zerolog.Logger
}

func newSession(id string, conn *Connection) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		sessions: map[string]*rtp.Session{},
		cname:    uuid.NewString(),
		log:      conn.log.With().Str("sess", id).Logger(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) HasPlayed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playIssued
}

// CreateRTPSession allocates the transport pair for one track and keys the
// new RTP session by the track token. UDP transports draw an even/odd port
// pair from the server pool; TCP reuses the control socket via interleaved
// channels.
func (s *Session) CreateRTPSession(track string, med *media.Medium, ts TransportSpec, remoteIP net.IP) (*rtp.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[track]; ok {
		return nil, Errf(StatusInvalidState, "track %s already set up", track)
	}

	srv := s.conn.srv
	var rtpCh, rtcpCh rtp.Channel
	var release func()

	if ts.HasInterleaved && ts.Proto == "RTP/AVP/TCP" {
		lo, hi, err := s.conn.addInterleavePair(ts.Interleaved, s.id)
		if err != nil {
			return nil, Errf(StatusUnsupportedTransport, "%v", err)
		}
		rtpCh = s.conn.interleave(lo)
		rtcpCh = s.conn.interleave(hi)
	} else {
		rtpPort, rtcpPort, err := srv.ports.GetPair()
		if err != nil {
			return nil, Errf(StatusNotEnoughBandwidth, "%v", err)
		}
		s.log.Debug().Int("rtp", rtpPort).Int("rtcp", rtcpPort).Msg("Binding UDP pair")

		rc, err := rtp.DialUDPChannel(nil, rtpPort,
			&net.UDPAddr{IP: remoteIP, Port: ts.ClientPorts[0]}, s.conn.cfg.Server.WriteTimeout)
		if err != nil {
			srv.ports.ReleasePair(rtpPort, rtcpPort)
			return nil, Errf(StatusUnsupportedTransport, "%v", err)
		}
		cc, err := rtp.DialUDPChannel(nil, rtcpPort,
			&net.UDPAddr{IP: remoteIP, Port: ts.ClientPorts[1]}, s.conn.cfg.Server.WriteTimeout)
		if err != nil {
			rc.Close()
			srv.ports.ReleasePair(rtpPort, rtcpPort)
			return nil, Errf(StatusUnsupportedTransport, "%v", err)
		}
		rtpCh, rtcpCh = rc, cc
		release = func() { srv.ports.ReleasePair(rtpPort, rtcpPort) }
	}

	mtu := s.conn.cfg.RTP.MTU
	if bs := s.conn.Blocksize(); bs > 0 && bs < mtu {
		mtu = bs
	}
	cfg := rtp.Config{
		MTU:          mtu,
		BufferLow:    s.conn.cfg.RTP.BufferLow,
		BufferFull:   s.conn.cfg.RTP.BufferFull,
		SendInterval: s.conn.cfg.RTCP.SendEvery,
		PollInterval: s.conn.cfg.RTCP.PollEvery,
		WriteTimeout: s.conn.cfg.Server.WriteTimeout,
	}
	rs := rtp.NewSession(med, rtpCh, rtcpCh, s.conn.Agent(), s.cname, cfg, s.log)
	if ts.HasSSRC {
		rs.SetSSRC(ts.SSRC)
	}
	rs.OnStop = release

	s.sessions[track] = rs
	s.log.Debug().Str("track", track).Msg("RTP session created")
	return rs, nil
}

// Track looks an RTP session up by track token.
func (s *Session) Track(track string) (*rtp.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.sessions[track]
	if !ok {
		return nil, Errf(StatusNotFound, "no RTP session for track %q", track)
	}
	return rs, nil
}

// tracks snapshots the session map.
func (s *Session) tracks() map[string]*rtp.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := make(map[string]*rtp.Session, len(s.sessions))
	for k, v := range s.sessions {
		rt[k] = v
	}
	return rt
}

// Play merges the request across every track, so all of them see the same
// (from, to, speed) triple, then starts them.
func (s *Session) Play(rq rtp.PlayRequest) (rtp.PlayRequest, error) {
	sessions := s.tracks()
	if len(sessions) == 0 {
		return rq, Errf(StatusSessionNotFound, "no tracks set up")
	}

	merged := rq
	for _, rs := range sessions {
		merged.Merge(rs.Eval(rq))
	}
	if math.IsNaN(merged.From) {
		merged.From = 0
	}
	s.log.Debug().Float64("from", merged.From).Float64("to", merged.To).
		Float64("speed", merged.Speed).Msg("Play merged")

	for track, rs := range sessions {
		if err := rs.Play(merged); err != nil {
			return merged, Errf(StatusBadRequest, "track %s: %v", track, err)
		}
	}

	s.mu.Lock()
	s.playIssued = true
	s.mu.Unlock()
	return merged, nil
}

// Pause freezes every track at the same request.
func (s *Session) Pause() {
	for _, rs := range s.tracks() {
		rs.Pause(false)
	}
}

// Unpause resumes every track.
func (s *Session) Unpause() {
	for _, rs := range s.tracks() {
		rs.Unpause()
	}
}

// InsertMedia splices another container into the playing presentation. The
// video track picks the splice instant; tracks with no matching payload type
// get an equal-duration gap. Disabled when seek support is configured.
func (s *Session) InsertMedia(other *sdp.Container, at float64) error {
	if s.conn.cfg.RTSP.SupportSeek {
		return Errf(StatusInvalidState, "media insertion is unsupported with seek support active")
	}
	sessions := s.tracks()
	if len(sessions) == 0 {
		return Errf(StatusSessionNotFound, "no tracks to add to")
	}

	// pause whatever is playing around the edit
	var paused []*rtp.Session
	for _, rs := range sessions {
		if rs.IsPlaying() {
			rs.Pause(true)
			paused = append(paused, rs)
		}
	}

	// the video track leads the choice of the insertion instant
	insertAt := math.Inf(1)
	for _, rs := range sessions {
		if rs.Medium().Kind() == media.KindVideo {
			if t, err := rs.EvalMediumInsertion(at); err == nil {
				insertAt = t
			}
			break
		}
	}
	if math.IsInf(insertAt, 1) {
		for _, rs := range sessions {
			t, err := rs.EvalMediumInsertion(at)
			if err != nil {
				return Errf(StatusBadRequest, "no insertion point at %f", at)
			}
			insertAt = t
			break
		}
	}
	s.log.Debug().Float64("at", insertAt).Msg("Media insert")

	otherMedia := other.Media()
	for track, rs := range sessions {
		med := rs.Medium()
		found := false
		for _, om := range otherMedia {
			if om.PayloadType() == med.PayloadType() {
				if err := rs.InsertMedium(om, insertAt); err != nil {
					return fmt.Errorf("track %s: %w", track, err)
				}
				found = true
				break
			}
		}
		if !found {
			if err := rs.InsertGap(other.Duration(), insertAt); err != nil {
				return fmt.Errorf("track %s: %w", track, err)
			}
		}
	}

	for _, rs := range paused {
		rs.Unpause()
	}
	return nil
}

// RemoveTrack tears one RTP session down; removing the last one asks the
// connection to drop this RTSP session.
func (s *Session) RemoveTrack(track string) error {
	s.mu.Lock()
	rs, ok := s.sessions[track]
	if ok {
		delete(s.sessions, track)
	}
	empty := len(s.sessions) == 0
	s.mu.Unlock()

	if !ok {
		return Errf(StatusNotFound, "no RTP session for track %q", track)
	}
	rs.Teardown()
	if empty {
		s.conn.removeSession(s.id)
	}
	return nil
}

// Teardown destroys every RTP session.
func (s *Session) Teardown() {
	for track, rs := range s.tracks() {
		s.mu.Lock()
		delete(s.sessions, track)
		s.mu.Unlock()
		rs.Teardown()
	}
}
