// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtp

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Agent tags the requesting user agent when its RTP timestamp handling
// deviates from the generic behaviour.
type Agent int

const (
	AgentGeneric Agent = iota
	AgentVLC102
	AgentVLC106
	AgentVLC114
)

// ParseAgent sniffs the agent tag from a User-Agent header value.
func ParseAgent(ua string) Agent {
	switch {
	case strings.Contains(ua, "VLC media player (LIVE555 Streaming Media v2005"),
		strings.Contains(ua, "VLC/1.0.2"):
		return AgentVLC102
	case strings.Contains(ua, "VLC/1.0.6"):
		return AgentVLC106
	case strings.Contains(ua, "VLC/1.1.4"):
		return AgentVLC114
	default:
		return AgentGeneric
	}
}

func (a Agent) String() string {
	switch a {
	case AgentVLC102:
		return "vlc-1.0.2"
	case AgentVLC106:
		return "vlc-1.0.6"
	case AgentVLC114:
		return "vlc-1.1.4"
	default:
		return "generic"
	}
}

// Timeline maps wall time to media presentation time for one RTP session,
// under speed, pause and seek. Presentation advances as
//
//	presentation(wall) = from + speed * (wall - origin)
//
// RTP timestamps start from zero at PLAY and gain round(from*rate) on seek;
// agent variants adjust the conversion for clients that need a different
// base.
type Timeline struct {
	mu sync.Mutex

	rate  int
	agent Agent

	from   float64
	speed  float64
	origin time.Time

	paused   bool
	pausedAt float64

	// rangeStart is the last requested PLAY origin, timestamp base of the
	// VLC 1.0.2 variant
	rangeStart float64

	nowFn func() time.Time
}

func NewTimeline(rate int, agent Agent) *Timeline {
	return &Timeline{
		rate:  rate,
		agent: agent,
		speed: 1.0,
		nowFn: time.Now,
	}
}

// SetClock injects the wall clock, tests pace without sleeping.
func (tl *Timeline) SetClock(now func() time.Time) {
	tl.mu.Lock()
	tl.nowFn = now
	tl.mu.Unlock()
}

func (tl *Timeline) Rate() int { return tl.rate }

// Play fixes the origin so presentation(now) = from and d/dt presentation =
// speed.
func (tl *Timeline) Play(from, speed float64) {
	tl.mu.Lock()
	tl.from = from
	tl.speed = speed
	tl.origin = tl.nowFn()
	tl.paused = false
	tl.rangeStart = from
	tl.mu.Unlock()
}

// Pause freezes presentation at its current value. Idempotent.
func (tl *Timeline) Pause() {
	tl.mu.Lock()
	if !tl.paused {
		tl.pausedAt = tl.presentationLocked(tl.nowFn())
		tl.paused = true
	}
	tl.mu.Unlock()
}

// Unpause resumes from the frozen instant with the last speed. Idempotent.
func (tl *Timeline) Unpause() {
	tl.mu.Lock()
	if tl.paused {
		tl.from = tl.pausedAt
		tl.origin = tl.nowFn()
		tl.paused = false
	}
	tl.mu.Unlock()
}

func (tl *Timeline) presentationLocked(now time.Time) float64 {
	if tl.paused {
		return tl.pausedAt
	}
	return tl.from + tl.speed*now.Sub(tl.origin).Seconds()
}

// Presentation is the media time mapped to the current wall instant.
func (tl *Timeline) Presentation() float64 {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.presentationLocked(tl.nowFn())
}

// Speed is the current playback rate; 0 while paused.
func (tl *Timeline) Speed() float64 {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.paused {
		return 0
	}
	return tl.speed
}

// LastSpeed is the playback rate regardless of pause state.
func (tl *Timeline) LastSpeed() float64 {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.speed
}

func (tl *Timeline) Paused() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.paused
}

// RTPTime converts a presentation instant to the codec 32-bit timestamp.
func (tl *Timeline) RTPTime(t float64) uint32 {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	switch tl.agent {
	case AgentVLC102:
		// timestamps restart at zero on every PLAY range
		t -= tl.rangeStart
	case AgentVLC106:
		// one second guard base keeps early timestamps off the wrap
		t += 1.0
	case AgentVLC114:
		if t < 0 {
			t = 0
		}
	}
	return uint32(int64(math.Round(t * float64(tl.rate))))
}
