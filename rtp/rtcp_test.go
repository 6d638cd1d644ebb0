// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtp

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeChannel is an in-memory Channel: writes collect into a slice, reads
// drain a queue fed by the test.
type fakeChannel struct {
	mu     sync.Mutex
	writes [][]byte
	reads  [][]byte

	failWrites error
}

func (c *fakeChannel) WriteSome(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites != nil {
		return 0, c.failWrites
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeChannel) WriteLast(p []byte) (int, error) { return c.WriteSome(p) }

func (c *fakeChannel) ReadSome(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reads) == 0 {
		return 0, ErrTimeout
	}
	data := c.reads[0]
	c.reads = c.reads[1:]
	return copy(p, data), nil
}

func (c *fakeChannel) SetReadTimeout(time.Duration) {}

func (c *fakeChannel) Description() Description {
	return Description{Type: ChannelOwned, LocalPort: 30000, RemotePort: 5000}
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeChannel) Feed(data []byte) {
	c.mu.Lock()
	c.reads = append(c.reads, data)
	c.mu.Unlock()
}

func TestRTCPSenderEmitsCompoundSR(t *testing.T) {
	ch := &fakeChannel{}
	tl := NewTimeline(8000, AgentGeneric)
	tl.Play(0, 1.0)

	s := NewRTCPSender(ch, 0xCAFE, "cname@test", tl, 20*time.Millisecond, zerolog.Nop())
	s.RegisterPacketSent(100)
	s.RegisterPacketSent(60)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return len(ch.Written()) >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	pkts, err := rtcp.Unmarshal(ch.Written()[0])
	require.NoError(t, err)
	require.Len(t, pkts, 2)

	sr, ok := pkts[0].(*rtcp.SenderReport)
	require.True(t, ok)
	require.Equal(t, uint32(0xCAFE), sr.SSRC)
	require.Equal(t, uint32(2), sr.PacketCount)
	require.Equal(t, uint32(160), sr.OctetCount)
	require.NotZero(t, sr.NTPTime)

	sdes, ok := pkts[1].(*rtcp.SourceDescription)
	require.True(t, ok)
	require.Len(t, sdes.Chunks, 1)
	require.Equal(t, uint32(0xCAFE), sdes.Chunks[0].Source)
	require.Equal(t, rtcp.SDESCNAME, sdes.Chunks[0].Items[0].Type)
	require.Equal(t, "cname@test", sdes.Chunks[0].Items[0].Text)
}

func TestRTCPSenderPause(t *testing.T) {
	ch := &fakeChannel{}
	tl := NewTimeline(8000, AgentGeneric)
	tl.Play(0, 1.0)

	s := NewRTCPSender(ch, 1, "c", tl, 10*time.Millisecond, zerolog.Nop())
	s.Start()
	require.Eventually(t, func() bool { return len(ch.Written()) >= 1 }, time.Second, time.Millisecond)

	s.Pause()
	time.Sleep(30 * time.Millisecond)
	n := len(ch.Written())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, n, len(ch.Written()), "sender kept reporting while paused")

	s.Unpause()
	require.Eventually(t, func() bool { return len(ch.Written()) > n }, time.Second, time.Millisecond)
	s.Stop()
}

func TestRTCPReceiverIntakesRR(t *testing.T) {
	ch := &fakeChannel{}
	data, err := rtcp.Marshal([]rtcp.Packet{&rtcp.ReceiverReport{
		SSRC: 7,
		Reports: []rtcp.ReceptionReport{{
			SSRC:         0xCAFE,
			FractionLost: 64,
			TotalLost:    12,
			Jitter:       42,
		}},
	}})
	require.NoError(t, err)
	ch.Feed(data)

	r := NewRTCPReceiver(ch, 10*time.Millisecond, nil, zerolog.Nop())
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		var st RTCPStats
		r.Stats(&st)
		return st.ReportedLost == 12
	}, time.Second, time.Millisecond)

	var st RTCPStats
	r.Stats(&st)
	require.InDelta(t, 0.25, st.FractionLost, 1e-9)
	require.Equal(t, uint32(42), st.Jitter)
	require.False(t, st.LastRRAt.IsZero())
}

func TestRTCPReceiverByeRequestsTeardown(t *testing.T) {
	ch := &fakeChannel{}
	data, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 7},
		&rtcp.Goodbye{Sources: []uint32{7}},
	})
	require.NoError(t, err)
	ch.Feed(data)

	byeCh := make(chan struct{}, 1)
	r := NewRTCPReceiver(ch, 10*time.Millisecond, func() {
		select {
		case byeCh <- struct{}{}:
		default:
		}
	}, zerolog.Nop())
	r.Start()
	defer r.Stop()

	select {
	case <-byeCh:
	case <-time.After(time.Second):
		t.Fatal("BYE never reached the teardown hook")
	}
}
