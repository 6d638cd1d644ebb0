// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drubbo/kinoglaz-sub001/config"
	"github.com/drubbo/kinoglaz-sub001/rtp"
	"github.com/drubbo/kinoglaz-sub001/sdp"
)

// Connection owns one RTSP control socket: the read loop that splits
// interleaved frames from messages, the table of RTSP sessions keyed by id,
// and the descriptors loaded for this client.
type Connection struct {
	id   uint32
	conn net.Conn
	br   *bufio.Reader

	tunnel *TCPTunnel
	srv    *Server
	// cfg is the configuration snapshot taken at accept time; a reload
	// never races a serving connection
	cfg config.Config

	mu          sync.Mutex
	sessions    map[string]*Session
	descriptors map[string]*sdp.Container
	ownDescs    map[string]*sdp.Container
	agent       rtp.Agent
	agentSet    bool
	blocksize   int
	closing     bool

	chanPool     *channelPool
	channels     map[byte]*InterleavedChannel
	channelOwner map[byte]string // local channel id -> RTSP session id

	active bool

	log zerolog.Logger
}

func newConnection(conn net.Conn, srv *Server, log zerolog.Logger) *Connection {
	id := rand.Uint32()
	c := &Connection{
		id:           id,
		conn:         conn,
		br:           bufio.NewReaderSize(conn, 4096),
		srv:          srv,
		sessions:     map[string]*Session{},
		descriptors:  map[string]*sdp.Container{},
		ownDescs:     map[string]*sdp.Container{},
		chanPool:     newChannelPool(),
		channels:     map[byte]*InterleavedChannel{},
		channelOwner: map[byte]string{},
		active:       true,
		log:          log.With().Str("comp", "conn").Uint32("id", id).Str("peer", conn.RemoteAddr().String()).Logger(),
	}
	c.cfg = srv.snapshotCfg()
	c.tunnel = NewTCPTunnel(conn, c.cfg.Server.WriteBuffer, c.cfg.Server.WriteTimeout)
	return c
}

func (c *Connection) ID() uint32 { return c.id }

// Agent is the user-agent tag sniffed from the first request carrying the
// header; the timeline picks its variant from it.
func (c *Connection) Agent() rtp.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// Blocksize is the client requested packet cap, zero when absent.
func (c *Connection) Blocksize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocksize
}

func (c *Connection) remoteIP() net.IP {
	if addr, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

func (c *Connection) localIP() net.IP {
	if addr, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

// IsActive reports whether the serve loop still runs; the reaper sweeps
// inactive connections.
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Serve is the read loop: the first byte tells interleaved frame from
// message; messages route through the method dispatcher and the reply goes
// back with CSeq and Date.
func (c *Connection) Serve() {
	c.log.Debug().Msg("Serve loop start")
	defer c.finish()

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.Server.ReadTimeout))

		first, err := c.br.Peek(1)
		if err != nil {
			if isTimeout(err) {
				if c.done() {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Msg("Read failed")
			}
			return
		}

		if first[0] == interleaveMagic {
			if err := c.readInterleaved(); err != nil {
				// a broken frame desynchronises the stream, drop the
				// connection
				c.log.Debug().Err(err).Msg("Interleave read failed")
				return
			}
			continue
		}

		// parsing a message may span several read timeouts
		c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		rq, err := ReadRequest(c.br)
		if err != nil {
			var rerr *Error
			if errors.As(err, &rerr) {
				c.reply(NewResponse(rerr.Code, 0))
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				c.log.Debug().Err(err).Msg("Message parse failed")
			}
			return
		}

		c.sniff(rq)
		resp := c.dispatch(rq)
		if err := c.reply(resp); err != nil {
			c.log.Debug().Err(err).Msg("Reply write failed")
			return
		}
		if c.done() {
			return
		}
	}
}

func (c *Connection) done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sniff picks the user agent tag and the blocksize cap off a request.
func (c *Connection) sniff(rq *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.agentSet {
		if ua := rq.Header["User-Agent"]; ua != "" {
			c.agent = rtp.ParseAgent(ua)
			c.agentSet = true
			c.log.Debug().Str("agent", c.agent.String()).Msg("User agent set")
		}
	}
	if bs := rq.Header["Blocksize"]; bs != "" {
		if n := atoi(bs); n > 0 {
			c.blocksize = n
		}
	}
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// readInterleaved consumes one $-framed packet and feeds the matching
// channel queue. Odd ids carry inbound RTCP.
func (c *Connection) readInterleaved() error {
	// a frame spans several reads, do not let the poll timeout cut it
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(c.br, hdr); err != nil {
		return err
	}
	size := binary.BigEndian.Uint16(hdr[2:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return err
	}

	c.mu.Lock()
	ch := c.channels[hdr[1]]
	c.mu.Unlock()
	if ch != nil {
		ch.push(payload)
	} else {
		c.log.Debug().Int("channel", int(hdr[1])).Msg("Frame for unknown channel dropped")
	}
	return nil
}

func (c *Connection) reply(resp *Response) error {
	return c.tunnel.WriteMessage(resp.Marshal())
}

// splitTarget cuts the request URL into the descriptor file name and the
// optional tk= track token.
func splitTarget(rq *Request) (file, track string) {
	path := rq.Target
	if rq.URL != nil && rq.URL.Path != "" {
		path = rq.URL.Path
	}
	path = strings.TrimPrefix(path, "/")
	if idx := strings.LastIndex(path, "/tk="); idx >= 0 {
		return path[:idx], path[idx+len("/tk="):]
	}
	return path, ""
}

// loadDescription opens the descriptor for this connection, through the
// shared pool when descriptor sharing is configured.
func (c *Connection) loadDescription(file string) (*sdp.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cnt, ok := c.descriptors[file]; ok {
		return cnt, nil
	}
	if c.cfg.SDP.ShareDescriptors {
		cnt, err := c.srv.descriptors.Acquire(file)
		if err != nil {
			return nil, err
		}
		c.descriptors[file] = cnt
		return cnt, nil
	}
	cnt, err := sdp.OpenContainer(c.cfg.SDP.BaseDir, file)
	if err != nil {
		return nil, err
	}
	c.descriptors[file] = cnt
	c.ownDescs[file] = cnt
	return cnt, nil
}

func (c *Connection) getDescription(file string) (*sdp.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cnt, ok := c.descriptors[file]; ok {
		return cnt, nil
	}
	return nil, Errf(StatusNotFound, "no descriptor loaded for %q", file)
}

// createSession registers a new RTSP session; a duplicate id is a conflict.
func (c *Connection) createSession(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[id]; ok {
		return nil, Errf(StatusConflict, "session %s exists", id)
	}
	s := newSession(id, c)
	c.sessions[id] = s
	return s, nil
}

func (c *Connection) getSession(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, Errf(StatusSessionNotFound, "no session %s", id)
	}
	return s, nil
}

// removeSession drops a session; when the last one goes the connection
// closes its socket.
func (c *Connection) removeSession(id string) {
	c.mu.Lock()
	_, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	for local, owner := range c.channelOwner {
		if owner == id {
			delete(c.channelOwner, local)
		}
	}
	empty := len(c.sessions) == 0
	if empty {
		c.closing = true
	}
	c.mu.Unlock()

	if empty {
		c.log.Debug().Msg("No more sessions, tearing down")
	}
}

// addInterleavePair reserves a channel id pair on this socket for a session.
func (c *Connection) addInterleavePair(want [2]int, sessID string) (byte, byte, error) {
	lo, hi, err := c.chanPool.getPair(want)
	if err != nil {
		return 0, 0, err
	}
	c.mu.Lock()
	c.channels[lo] = newInterleavedChannel(lo, lo, c.tunnel, c.releaseChannel)
	c.channels[hi] = newInterleavedChannel(hi, hi, c.tunnel, c.releaseChannel)
	c.channelOwner[lo] = sessID
	c.channelOwner[hi] = sessID
	c.mu.Unlock()
	return lo, hi, nil
}

func (c *Connection) interleave(id byte) *InterleavedChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[id]
}

func (c *Connection) releaseChannel(id byte) {
	c.mu.Lock()
	delete(c.channels, id)
	delete(c.channelOwner, id)
	c.mu.Unlock()
	c.chanPool.release(id)
}

// finish tears everything down when the serve loop exits: sessions top-down,
// descriptors back to the pool, socket closed.
func (c *Connection) finish() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = map[string]*Session{}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Teardown()
	}

	c.mu.Lock()
	shared := c.cfg.SDP.ShareDescriptors
	descs := c.descriptors
	own := c.ownDescs
	c.descriptors = map[string]*sdp.Container{}
	c.ownDescs = map[string]*sdp.Container{}
	c.mu.Unlock()

	for file := range descs {
		if shared {
			c.srv.descriptors.Release(file)
		}
	}
	for _, cnt := range own {
		cnt.Close()
	}

	c.tunnel.Close()

	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
	c.log.Debug().Msg("Connection closed")
}
