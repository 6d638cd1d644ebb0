// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtp

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drubbo/kinoglaz-sub001/media"
)

// lossBudget is how long consecutive would-block failures are tolerated
// before the session aborts with a transport error.
const lossBudget = 5 * time.Second

// PlayRequest is the range/scale triple of a PLAY, after defaults are
// resolved. Merging across the tracks of one presentation guarantees they
// start and end together at the same speed.
type PlayRequest struct {
	From     float64
	To       float64
	Speed    float64
	HasRange bool
	HasScale bool
}

// NewPlayRequest is an unconstrained request: play on from here at linear
// speed.
func NewPlayRequest() PlayRequest {
	return PlayRequest{From: math.NaN(), To: math.Inf(1), Speed: 1.0}
}

// Merge folds another track's evaluated request into this one: earliest
// start, latest end, and the last explicit speed wins.
func (rq *PlayRequest) Merge(other PlayRequest) {
	if math.IsNaN(rq.From) || (!math.IsNaN(other.From) && other.From < rq.From) {
		rq.From = other.From
	}
	if other.To > rq.To {
		rq.To = other.To
	}
	if other.HasScale {
		rq.Speed = other.Speed
		rq.HasScale = true
	}
	rq.HasRange = rq.HasRange || other.HasRange
}

// Config carries the knobs a session needs from the INI.
type Config struct {
	MTU          int
	BufferLow    float64
	BufferFull   float64
	SendInterval time.Duration
	PollInterval time.Duration
	WriteTimeout time.Duration
}

// Session owns the paced delivery of one medium to one client: pre-buffer,
// presentation clock, sequence and SSRC state, RTCP sender and receiver, and
// the transport channel pair.
//
// The status bag {paused, stopped, seeked} drives the pacing goroutine; at
// any time exactly one goroutine advances the clock.
type Session struct {
	mu      sync.Mutex
	unpause *sync.Cond

	paused  bool
	stopped bool
	seeked  bool

	med  *media.Medium
	buf  *media.PreBuffer
	tl   *Timeline
	seq  media.Sequencer
	ssrc uint32
	mtu  int

	ch       Channel
	rtcpCh   Channel
	sender   *RTCPSender
	receiver *RTCPReceiver

	timeEnd  float64
	next     *media.QueuedFrame
	firstLost time.Time

	// wake interrupts the inter-frame sleep
	wake chan struct{}

	// pauseSync delivers the "going to pause" rendezvous
	pauseSync chan struct{}
	syncReq   bool

	// OnStop fires once at teardown, after the channels closed; the RTSP
	// layer uses it to return UDP ports to the pool.
	OnStop   func()
	stopOnce sync.Once

	seqStart uint16
	wg       sync.WaitGroup

	log zerolog.Logger
}

// NewSession wires a session over its transport pair. The RTCP CNAME is
// stable for the session lifetime.
func NewSession(med *media.Medium, ch, rtcpCh Channel, agent Agent, cname string, cfg Config, log zerolog.Logger) *Session {
	s := &Session{
		med:       med,
		buf:       media.NewPreBuffer(med, cfg.BufferLow, cfg.BufferFull, cfg.MTU),
		tl:        NewTimeline(med.ClockRate(), agent),
		seq:       media.NewSequencer(),
		ssrc:      rand.Uint32(),
		mtu:       cfg.MTU,
		ch:        ch,
		rtcpCh:    rtcpCh,
		timeEnd:   math.Inf(1),
		stopped:   true,
		wake:      make(chan struct{}, 1),
		pauseSync: make(chan struct{}, 1),
		log:       log.With().Int("pt", int(med.PayloadType())).Logger(),
	}
	s.unpause = sync.NewCond(&s.mu)
	s.seqStart = s.seq.Last()

	s.sender = NewRTCPSender(rtcpCh, s.ssrc, cname, s.tl, cfg.SendInterval, s.log)
	s.receiver = NewRTCPReceiver(rtcpCh, cfg.PollInterval, s.requestTeardown, s.log)
	return s
}

// SetSSRC honours a client-hinted ssrc from the Transport header. Only valid
// before PLAY.
func (s *Session) SetSSRC(ssrc uint32) {
	s.mu.Lock()
	s.ssrc = ssrc
	s.mu.Unlock()

	s.sender.mu.Lock()
	s.sender.ssrc = ssrc
	s.sender.mu.Unlock()
}

func (s *Session) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssrc
}

// StartSeq is the sequence number the first packet of the next PLAY will
// carry, for the RTP-Info reply header.
func (s *Session) StartSeq() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqStart + 1
}

func (s *Session) Medium() *media.Medium { return s.med }
func (s *Session) Timeline() *Timeline   { return s.tl }

// RTPDescription describes the RTP channel for the Transport reply.
func (s *Session) RTPDescription() Description { return s.ch.Description() }

// RTCPDescription describes the RTCP channel for the Transport reply.
func (s *Session) RTCPDescription() Description { return s.rtcpCh.Description() }

func (s *Session) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && !s.paused
}

// Eval resolves the request against this medium: fill the missing range ends
// from the buffer extent and crop the start to the first reachable frame.
func (s *Session) Eval(rq PlayRequest) PlayRequest {
	rt := rq
	if !rt.HasScale || rt.Speed == 0 {
		rt.Speed = 1.0
	}
	dur := s.med.IterationDuration()
	if math.IsNaN(rt.From) {
		if s.tl.Paused() {
			rt.From = s.tl.Presentation()
		} else {
			rt.From = 0
		}
	}
	if rt.Speed < 0 && !rq.HasRange {
		// reverse with no range starts from the end and counts down
		rt.From = math.Min(dur, rt.To)
		rt.To = 0
	}
	if math.IsInf(rt.To, 1) && rt.Speed >= 0 {
		rt.To = dur
	}
	if t, err := s.buf.DrySeek(rt.From); err == nil && rt.Speed >= 0 {
		rt.From = t
	}
	return rt
}

// Play seeks the buffer, programs the timeline and starts (or redirects) the
// pacing goroutine.
func (s *Session) Play(rq PlayRequest) error {
	s.mu.Lock()
	wasStopped := s.stopped
	wasPaused := s.paused

	if err := s.buf.Seek(rq.From, rq.Speed); err != nil {
		s.mu.Unlock()
		return err
	}
	s.tl.Play(rq.From, rq.Speed)
	s.timeEnd = rq.To
	s.seeked = !wasStopped
	s.paused = false
	s.stopped = false
	if wasStopped {
		s.seqStart = s.seq.Last()
	}
	s.mu.Unlock()

	s.log.Debug().Float64("from", rq.From).Float64("to", rq.To).Float64("speed", rq.Speed).Msg("Play")

	if wasStopped {
		s.sender.Start()
		s.receiver.Start()
		s.wg.Add(1)
		go s.run()
	} else if wasPaused {
		s.unpause.Broadcast()
	}
	s.notifyWake()
	return nil
}

// Pause freezes the session. With sync the call returns only after the
// pacing loop acknowledged entering pause.
func (s *Session) Pause(sync bool) {
	s.mu.Lock()
	if s.stopped || s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.syncReq = sync
	s.tl.Pause()
	s.mu.Unlock()
	s.notifyWake()

	if sync {
		<-s.pauseSync
	}
	s.log.Debug().Msg("Paused")
}

// Unpause resumes playback from the frozen instant.
func (s *Session) Unpause() {
	s.mu.Lock()
	if s.stopped || !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.tl.Unpause()
	s.mu.Unlock()
	s.unpause.Broadcast()
	s.log.Debug().Msg("Unpaused")
}

// Teardown stops the pacing loop, the RTCP tasks and the pre-buffer, and
// waits for the goroutines to join.
func (s *Session) Teardown() {
	s.mu.Lock()
	s.stopped = true
	s.paused = false
	s.mu.Unlock()

	s.unpause.Broadcast()
	s.notifyWake()
	s.buf.Stop()
	s.wg.Wait()

	s.sender.Stop()
	s.receiver.Stop()
	s.buf.Close()
	s.ch.Close()
	s.rtcpCh.Close()
	s.fireStop()
	s.log.Debug().Msg("Torn down")
}

func (s *Session) fireStop() {
	s.stopOnce.Do(func() {
		if s.OnStop != nil {
			s.OnStop()
		}
	})
}

// EvalMediumInsertion resolves the first splice-safe instant at or after t.
func (s *Session) EvalMediumInsertion(t float64) (float64, error) {
	return s.buf.DrySeek(t)
}

// InsertMedium splices other into the playing sequence at t.
func (s *Session) InsertMedium(other *media.Medium, t float64) error {
	return s.buf.InsertMedium(other, t)
}

// InsertGap shifts the sequence after t by d.
func (s *Session) InsertGap(d, t float64) error {
	return s.buf.InsertGap(d, t)
}

func (s *Session) requestTeardown() {
	// BYE arrives on the RTCP goroutine; stop the pacer without joining
	// the RTCP tasks from their own stack
	s.mu.Lock()
	s.stopped = true
	s.paused = false
	s.mu.Unlock()
	s.unpause.Broadcast()
	s.notifyWake()
	s.buf.Stop()
}

func (s *Session) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

// fetchNext pulls the next packetised frame, releasing the one just sent.
// After a seek it drops stale queue content: frames due more than a second
// in the future are skipped while the due horizon keeps improving.
func (s *Session) fetchNext() (float64, error) {
	s.mu.Lock()
	seeked := s.seeked
	s.seeked = false
	s.mu.Unlock()

	var qf *media.QueuedFrame
	var err error

	if seeked {
		now := s.tl.Presentation()
		spd := s.tl.LastSpeed()
		sendWorse := math.Inf(1)
		for {
			qf, err = s.buf.Next()
			if err != nil {
				break
			}
			sendIn := (qf.Frame.Time - now) / spd
			if sendIn <= 1 {
				break
			}
			if sendIn > sendWorse {
				break
			}
			s.log.Debug().Float64("time", qf.Frame.Time).Float64("in", sendIn).Msg("Skip far future frame")
			now = s.tl.Presentation()
			sendWorse = sendIn
		}
	} else {
		qf, err = s.buf.Next()
	}

	s.mu.Lock()
	if s.next != nil {
		s.med.ReleaseFrame(s.next.Frame.Pos)
	}
	s.next = qf
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return qf.Frame.Time, nil
}

// sendNext packetises the in-flight frame with the current timestamp and
// sequence state and writes every fragment. Would-block failures count
// against the loss budget; any other socket error aborts.
func (s *Session) sendNext() error {
	s.mu.Lock()
	qf := s.next
	ssrc := s.ssrc
	s.mu.Unlock()
	if qf == nil {
		return nil
	}

	ts := s.tl.RTPTime(qf.Frame.Time)
	pkts, err := qf.Packetizer.Packetize(qf.Frame, ts, ssrc, &s.seq)
	if err != nil {
		// codec refused the frame, log and skip it
		s.log.Error().Err(err).Float64("time", qf.Frame.Time).Msg("Packetize failed")
		return nil
	}

	for i := range pkts {
		data, err := pkts[i].Marshal()
		if err != nil {
			s.log.Error().Err(err).Msg("RTP marshal failed")
			continue
		}
		if pkts[i].LastOfFrame {
			_, err = s.ch.WriteLast(data)
		} else {
			_, err = s.ch.WriteSome(data)
		}
		if err != nil {
			if IsWouldBlock(err) {
				s.sender.RegisterPacketLost(len(data))
				if s.firstLost.IsZero() {
					s.firstLost = time.Now()
				} else if time.Since(s.firstLost) >= lossBudget {
					s.log.Warn().Msg("5s of packet loss, stopping")
					return err
				}
				s.log.Debug().Float64("time", qf.Frame.Time).Int("size", len(data)).Msg("Packet lost")
				continue
			}
			return err
		}
		s.sender.RegisterPacketSent(len(pkts[i].Payload))
		s.firstLost = time.Time{}
	}
	return nil
}

// run is the pacing loop. Under the session state it alternates pause waits
// and the send loop: send frames whose time is not in the future, then sleep
// until the next frame is due. The sleep is cancellable by pause, seek and
// teardown.
func (s *Session) run() {
	defer s.wg.Done()
	s.log.Debug().Float64("end", s.timeEnd).Msg("Pacing loop start")

	ft, err := s.fetchNext()
	if err != nil {
		s.finish()
		return
	}
	s.sender.SendNow()

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			break
		}
		// pause wait
		for s.paused && !s.stopped {
			s.sender.Pause()
			s.receiver.Pause()
			if s.syncReq {
				s.syncReq = false
				select {
				case s.pauseSync <- struct{}{}:
				default:
				}
			}
			s.unpause.Wait()
			if !s.stopped {
				s.receiver.Unpause()
				s.sender.Unpause()
				s.sender.SendNow()
			}
		}
		if s.stopped {
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		// send loop
		sendErr := func() error {
			for {
				now := s.tl.Presentation()
				spd := s.tl.LastSpeed()

				// send frames while their time is before now
				for (ft-now)*sign(spd) <= 0 {
					if err := s.sendNext(); err != nil {
						return err
					}
					if ft, err = s.fetchNext(); err != nil {
						return err
					}
					now = s.tl.Presentation()
					spd = s.tl.LastSpeed()
				}

				// this will always be positive
				sleep := time.Duration(((ft - now) / spd) * float64(time.Second))
				if sleep < 0 || sleep > time.Hour {
					sleep = time.Hour
				}
				timer := time.NewTimer(sleep)
				select {
				case <-timer.C:
				case <-s.wake:
					timer.Stop()
				}

				s.mu.Lock()
				stop := s.stopped || s.paused
				end := (s.timeEnd-s.tl.Presentation())*sign(s.tl.LastSpeed()) <= 0
				s.mu.Unlock()
				if stop || end {
					return nil
				}
			}
		}()

		if sendErr != nil {
			if sendErr == media.ErrEndOfStream {
				s.log.Info().Msg("Reached end of stream")
			} else {
				s.log.Error().Err(sendErr).Msg("Transport failed, stopping")
				s.mu.Lock()
				s.stopped = true
				s.mu.Unlock()
				break
			}
		}

		// out of the send loop: self pause at range end so a later PLAY
		// can resume, unless torn down
		s.mu.Lock()
		if !s.stopped && !s.paused {
			s.log.Debug().Msg("Self pausing")
			s.paused = true
			s.syncReq = false
			s.tl.Pause()
		}
		if s.stopped {
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
	}

	s.finish()
}

func (s *Session) finish() {
	s.mu.Lock()
	s.stopped = true
	s.paused = false
	s.mu.Unlock()

	s.sender.Stop()
	s.receiver.Stop()
	s.buf.Stop()
	s.log.Debug().Msg("Pacing loop exited")
}
