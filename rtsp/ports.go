// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"fmt"
	"sync"
)

// PortPool hands out UDP port pairs for RTP/RTCP: the RTP port is even, RTCP
// sits on RTP+1. Released ports return to the pool. Process wide, mutex
// guarded.
type PortPool struct {
	mu    sync.Mutex
	first int
	last  int
	used  map[int]bool
	next  int
}

func NewPortPool(first, last int) *PortPool {
	if first%2 != 0 {
		first++
	}
	return &PortPool{first: first, last: last, used: map[int]bool{}, next: first}
}

// GetPair allocates the next free even/odd pair.
func (p *PortPool) GetPair() (int, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := (p.last - p.first + 2) / 2
	for i := 0; i < n; i++ {
		rtp := p.next
		p.next += 2
		if p.next+1 > p.last {
			p.next = p.first
		}
		if rtp+1 > p.last || p.used[rtp] || p.used[rtp+1] {
			continue
		}
		p.used[rtp] = true
		p.used[rtp+1] = true
		return rtp, rtp + 1, nil
	}
	return 0, 0, fmt.Errorf("rtsp: no free port pair in [%d-%d]", p.first, p.last)
}

// ReleasePair returns both ports of a pair.
func (p *PortPool) ReleasePair(rtp, rtcp int) {
	p.mu.Lock()
	delete(p.used, rtp)
	delete(p.used, rtcp)
	p.mu.Unlock()
}

// InUse reports whether a port is currently allocated.
func (p *PortPool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used[port]
}

// channelPool hands out interleave channel ids, 0..255 per RTSP socket.
type channelPool struct {
	mu   sync.Mutex
	used map[byte]bool
}

func newChannelPool() *channelPool {
	return &channelPool{used: map[byte]bool{}}
}

// getPair prefers the ids the client proposed, falling back to the next free
// even/odd pair.
func (p *channelPool) getPair(want [2]int) (byte, byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if want[0] >= 0 && want[0] <= 254 && !p.used[byte(want[0])] && !p.used[byte(want[0]+1)] {
		lo := byte(want[0])
		p.used[lo] = true
		p.used[lo+1] = true
		return lo, lo + 1, nil
	}
	for c := 0; c <= 254; c += 2 {
		if !p.used[byte(c)] && !p.used[byte(c+1)] {
			p.used[byte(c)] = true
			p.used[byte(c+1)] = true
			return byte(c), byte(c + 1), nil
		}
	}
	return 0, 0, fmt.Errorf("rtsp: no free interleave channel pair")
}

func (p *channelPool) release(c byte) {
	p.mu.Lock()
	delete(p.used, c)
	p.mu.Unlock()
}
