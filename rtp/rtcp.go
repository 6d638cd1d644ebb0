// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtp

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
)

// RTCPStats aggregates what the sender accounted and what receiver reports
// told us.
type RTCPStats struct {
	PacketsSent   uint32
	OctetsSent    uint32
	PacketsLost   uint32
	FractionLost  float64
	ReportedLost  uint32
	Jitter        uint32
	LastRRAt      time.Time
}

// RTCPSender emits one compound Sender Report + SDES CNAME every interval on
// a dedicated goroutine. It can be paused and resumed alongside the RTP
// session.
type RTCPSender struct {
	mu   sync.Mutex
	cond *sync.Cond

	ch       Channel
	ssrc     uint32
	cname    string
	tl       *Timeline
	interval time.Duration

	pktCount   uint32
	octetCount uint32
	pktLost    uint32

	running bool
	paused  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	log zerolog.Logger
}

func NewRTCPSender(ch Channel, ssrc uint32, cname string, tl *Timeline, interval time.Duration, log zerolog.Logger) *RTCPSender {
	s := &RTCPSender{
		ch:       ch,
		ssrc:     ssrc,
		cname:    cname,
		tl:       tl,
		interval: interval,
		log:      log.With().Str("comp", "rtcp-tx").Logger(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the report loop. The first report goes out immediately so
// receivers can sync clocks before media arrives.
func (s *RTCPSender) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.paused = false
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

func (s *RTCPSender) run() {
	defer s.wg.Done()
	s.log.Debug().Msg("RTCP sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		for s.running && s.paused {
			s.cond.Wait()
		}
		if !s.running {
			s.mu.Unlock()
			return
		}
		stop := s.stopCh
		s.mu.Unlock()

		if err := s.send(); err != nil {
			s.log.Debug().Err(err).Msg("RTCP sender write failed")
		}

		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

// send composes SR + SDES and writes the compound packet.
func (s *RTCPSender) send() error {
	now := time.Now()

	s.mu.Lock()
	sr := &rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     NTPTimestamp(now),
		RTPTime:     s.tl.RTPTime(s.tl.Presentation()),
		PacketCount: s.pktCount,
		OctetCount:  s.octetCount,
	}
	s.mu.Unlock()

	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: s.ssrc,
			Items: []rtcp.SourceDescriptionItem{{
				Type: rtcp.SDESCNAME,
				Text: s.cname,
			}},
		}},
	}

	data, err := rtcp.Marshal([]rtcp.Packet{sr, sdes})
	if err != nil {
		return err
	}
	_, err = s.ch.WriteLast(data)
	return err
}

// SendNow emits one report outside the interval schedule; the pacing loop
// calls it right after unpause.
func (s *RTCPSender) SendNow() error { return s.send() }

// RegisterPacketSent accounts one RTP packet of sz payload bytes.
func (s *RTCPSender) RegisterPacketSent(sz int) {
	s.mu.Lock()
	s.pktCount++
	s.octetCount += uint32(sz)
	s.mu.Unlock()
}

// RegisterPacketLost accounts a would-block drop.
func (s *RTCPSender) RegisterPacketLost(sz int) {
	s.mu.Lock()
	s.pktLost++
	s.mu.Unlock()
}

func (s *RTCPSender) Stats() RTCPStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RTCPStats{
		PacketsSent: s.pktCount,
		OctetsSent:  s.octetCount,
		PacketsLost: s.pktLost,
	}
}

func (s *RTCPSender) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *RTCPSender) Unpause() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *RTCPSender) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
}

// RTCPReceiver poll-reads the RTCP channel, folds receiver reports into the
// session stats and requests teardown on BYE.
type RTCPReceiver struct {
	mu sync.Mutex

	ch       Channel
	interval time.Duration
	onBye    func()

	fractionLost float64
	totalLost    uint32
	jitter       uint32
	lastRRAt     time.Time

	running bool
	paused  bool
	wg      sync.WaitGroup

	log zerolog.Logger
}

func NewRTCPReceiver(ch Channel, interval time.Duration, onBye func(), log zerolog.Logger) *RTCPReceiver {
	return &RTCPReceiver{
		ch:       ch,
		interval: interval,
		onBye:    onBye,
		log:      log.With().Str("comp", "rtcp-rx").Logger(),
	}
}

func (r *RTCPReceiver) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.paused = false
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run()
}

func (r *RTCPReceiver) run() {
	defer r.wg.Done()
	r.log.Debug().Msg("RTCP receiver started")

	buf := make([]byte, 1600)
	for {
		r.mu.Lock()
		running, paused := r.running, r.paused
		r.mu.Unlock()
		if !running {
			return
		}
		if paused {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		n, err := r.ch.ReadSome(buf)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			r.log.Debug().Err(err).Msg("RTCP receiver read failed")
			return
		}
		if n == 0 {
			continue
		}

		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			r.log.Debug().Err(err).Msg("Dropping malformed RTCP")
			continue
		}
		for _, pkt := range pkts {
			r.handle(pkt)
		}
	}
}

func (r *RTCPReceiver) handle(pkt rtcp.Packet) {
	switch p := pkt.(type) {
	case *rtcp.ReceiverReport:
		for _, rr := range p.Reports {
			r.intake(rr)
		}
	case *rtcp.SenderReport:
		for _, rr := range p.Reports {
			r.intake(rr)
		}
	case *rtcp.Goodbye:
		r.log.Debug().Msg("RTCP BYE received")
		if r.onBye != nil {
			r.onBye()
		}
	}
}

func (r *RTCPReceiver) intake(rr rtcp.ReceptionReport) {
	r.mu.Lock()
	r.fractionLost = float64(rr.FractionLost) / 256
	r.totalLost = rr.TotalLost
	r.jitter = rr.Jitter
	r.lastRRAt = time.Now()
	r.mu.Unlock()
}

// Stats merges the receiver-side view into st.
func (r *RTCPReceiver) Stats(st *RTCPStats) {
	r.mu.Lock()
	st.FractionLost = r.fractionLost
	st.ReportedLost = r.totalLost
	st.Jitter = r.jitter
	st.LastRRAt = r.lastRRAt
	r.mu.Unlock()
}

func (r *RTCPReceiver) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

func (r *RTCPReceiver) Unpause() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Stop ends the poll loop; the next read timeout observes the flag.
func (r *RTCPReceiver) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.wg.Wait()
}
