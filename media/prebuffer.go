// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ScaleLimit is the speed magnitude above which audio is suppressed entirely.
var ScaleLimit = 1.0

// QueuedFrame is a packetised-frame descriptor held by the pre-buffer: the
// frame plus the packetiser instance for its payload type.
type QueuedFrame struct {
	Frame      *Frame
	Packetizer Packetizer
}

// PreBuffer is the bounded queue between a medium's iterator and the pacing
// loop. A fetch goroutine keeps it between the low and full water marks,
// measured in buffered seconds scaled by |speed|, and applies the trick-mode
// policy: which frames are forwarded at a given speed and direction.
//
// Lock order: mu is never held across a blocking medium read; the cursor has
// its own itMu so a seek waits for an in-flight fetch instead of racing it.
type PreBuffer struct {
	mu    sync.Mutex
	empty *sync.Cond // space available, wakes the fetcher
	full  *sync.Cond // data available, wakes the consumer

	queue []*QueuedFrame
	kind  Kind
	codec CodecID
	mtu   int

	scale   float64
	running bool
	gen     uint64 // bumped by seek/stop, invalidates in-flight fetches
	epoch   uint64 // one per fetch goroutine lifetime, retires stale ones
	fetchWG sync.WaitGroup

	itMu sync.Mutex
	it   Iterator

	lowWater  float64
	fullWater float64

	log zerolog.Logger
}

// NewPreBuffer builds a buffer over a fresh cursor of m. Water marks are in
// seconds of buffered media.
func NewPreBuffer(m *Medium, low, full float64, mtu int) *PreBuffer {
	if full < low {
		full = low
	}
	b := &PreBuffer{
		it:        m.NewIterator(),
		kind:      m.Kind(),
		codec:     m.Codec(),
		mtu:       mtu,
		scale:     1.0,
		lowWater:  low,
		fullWater: full,
		log:       log.With().Str("comp", "prebuf").Str("file", m.FileName()).Int("track", m.Index()).Logger(),
	}
	b.empty = sync.NewCond(&b.mu)
	b.full = sync.NewCond(&b.mu)
	return b
}

// timeSize is the buffered extent in seconds, scaled by |speed|.
func (b *PreBuffer) timeSize() float64 {
	if len(b.queue) == 0 {
		return 0
	}
	first := b.queue[0].Frame.Time
	last := b.queue[len(b.queue)-1].Frame.Time
	return math.Abs(last-first) * math.Abs(b.scale)
}

// audioSuppressed reports whether audio must not flow at the current speed:
// reverse playback, or magnitude above the scale limit.
func (b *PreBuffer) audioSuppressed() bool {
	return b.kind == KindAudio && (b.scale < 0 || math.Abs(b.scale) > ScaleLimit)
}

func (b *PreBuffer) isLow() bool {
	if b.running && b.audioSuppressed() {
		return true
	}
	return b.timeSize() < b.lowWater
}

func (b *PreBuffer) isFull() bool {
	if b.running && b.audioSuppressed() {
		return true
	}
	return b.timeSize() >= b.fullWater
}

// TimeSize exposes the buffered seconds for tests and stats.
func (b *PreBuffer) TimeSize() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeSize()
}

// Len is the queued descriptor count.
func (b *PreBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Start launches the fetch goroutine if it is not already running.
func (b *PreBuffer) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		b.empty.Broadcast()
		return
	}
	b.running = true
	b.epoch++
	epoch := b.epoch
	b.mu.Unlock()

	b.fetchWG.Add(1)
	go b.fetch(epoch)
}

// Stop terminates the fetch goroutine and wakes every waiter.
func (b *PreBuffer) Stop() {
	b.mu.Lock()
	b.running = false
	b.gen++
	b.mu.Unlock()
	b.empty.Broadcast()
	b.full.Broadcast()
	b.fetchWG.Wait()
}

// Close stops fetching and releases the cursor.
func (b *PreBuffer) Close() {
	b.Stop()
	b.itMu.Lock()
	b.it.Close()
	b.itMu.Unlock()
}

// fetchNext advances the cursor honouring direction and trick-mode filtering
// and returns the next frame to queue. Blocks on the medium while frames may
// still be produced.
func (b *PreBuffer) fetchNext(scale float64) (*Frame, error) {
	b.itMu.Lock()
	defer b.itMu.Unlock()

	step := func() (*Frame, error) {
		if scale >= 0 {
			return b.it.Next()
		}
		return b.it.Prev()
	}

	abs := math.Abs(scale)
	switch {
	case b.kind == KindAudio:
		// suppression handled by the water marks; here speed is in
		// (0, ScaleLimit], forward one in every ceil(speed) frames
		f, err := step()
		if err != nil {
			return nil, err
		}
		for n := 1; n < int(math.Ceil(scale)); n++ {
			if _, err := step(); err != nil {
				return nil, err
			}
		}
		return f, nil

	case scale > 0 && scale <= 1:
		// plain playback and slow motion take every frame
		return step()

	default:
		// fast forward and any reverse: key frames only, one in every
		// ceil(|speed|)
		want := max(int(math.Ceil(abs)), 1)
		seen := 0
		for {
			f, err := step()
			if err != nil {
				return nil, err
			}
			if !f.Key {
				continue
			}
			seen++
			if seen >= want {
				return f, nil
			}
		}
	}
}

// fetch is the producer loop: wait for room, pull a frame, attach its
// packetiser, push, signal the consumer once above the low mark. An
// out-of-bounds cursor ends the stream.
func (b *PreBuffer) fetch(epoch uint64) {
	defer b.fetchWG.Done()
	b.log.Debug().Msg("Fetch loop started")

	for {
		b.mu.Lock()
		for b.running && epoch == b.epoch && b.isFull() {
			b.empty.Wait()
		}
		if !b.running || epoch != b.epoch {
			b.mu.Unlock()
			break
		}
		scale := b.scale
		gen := b.gen
		b.mu.Unlock()

		f, ferr := b.fetchNext(scale)

		b.mu.Lock()
		if epoch != b.epoch {
			b.mu.Unlock()
			break
		}
		if gen != b.gen {
			// seeked or stopped under us, the frame is stale
			b.mu.Unlock()
			continue
		}
		if !b.running {
			b.mu.Unlock()
			break
		}
		if ferr != nil {
			b.running = false
			b.mu.Unlock()
			b.log.Debug().Msg("Fetch loop reached end of stream")
			break
		}

		pktzr, perr := NewPacketizer(b.codec, b.mtu)
		if perr != nil {
			// unsupported descriptor, skip the frame
			b.log.Error().Err(perr).Float64("time", f.Time).Msg("Skipping frame")
			b.mu.Unlock()
			continue
		}
		b.queue = append(b.queue, &QueuedFrame{Frame: f, Packetizer: pktzr})
		signal := !b.isLow()
		b.mu.Unlock()

		if signal {
			b.full.Broadcast()
		}
	}

	b.full.Broadcast()
}

// Next blocks until buffered data passes the low mark or the producer has
// terminated; with the queue drained and the producer gone it fails with
// ErrEndOfStream.
func (b *PreBuffer) Next() (*QueuedFrame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.running && b.isLow() {
		b.full.Wait()
	}
	if len(b.queue) == 0 {
		return nil, ErrEndOfStream
	}
	qf := b.queue[0]
	b.queue = b.queue[1:]
	if b.running && b.isLow() {
		b.empty.Broadcast()
	}
	return qf, nil
}

// Seek drains the queue, repositions the cursor on the first valid frame for
// the requested direction, updates the speed and restarts the fetcher.
func (b *PreBuffer) Seek(t, scale float64) error {
	b.mu.Lock()
	b.queue = nil
	b.scale = scale
	b.gen++
	b.mu.Unlock()
	b.empty.Broadcast()

	b.itMu.Lock()
	var err error
	if scale >= 0 {
		_, err = b.it.SeekTime(t)
	} else {
		_, err = b.it.SeekTimeBack(t)
	}
	b.itMu.Unlock()
	if err != nil {
		return err
	}
	b.log.Debug().Float64("time", t).Float64("scale", scale).Msg("Buffer seeked")
	b.Start()
	return nil
}

// DrySeek resolves the frame time a seek would land on without moving the
// cursor.
func (b *PreBuffer) DrySeek(t float64) (float64, error) {
	b.itMu.Lock()
	defer b.itMu.Unlock()
	pos := b.it.Pos()
	f, err := b.it.SeekTime(t)
	if err != nil {
		return 0, err
	}
	rt := f.Time
	if _, err := b.it.SeekPos(pos); err != nil && err != ErrOutOfBounds {
		return rt, err
	}
	return rt, nil
}

// FirstFrameTime is the time of the first frame the cursor can reach.
func (b *PreBuffer) FirstFrameTime() (float64, error) {
	b.itMu.Lock()
	defer b.itMu.Unlock()
	f, err := b.it.At(0)
	if err != nil {
		return 0, err
	}
	return f.Time, nil
}

// Duration is the extent of the underlying cursor.
func (b *PreBuffer) Duration() float64 {
	b.itMu.Lock()
	defer b.itMu.Unlock()
	return b.it.Duration()
}

// Scale reports the current trick-mode speed.
func (b *PreBuffer) Scale() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scale
}

func (b *PreBuffer) clearFrom(t float64) {
	for len(b.queue) > 0 && b.queue[len(b.queue)-1].Frame.Time >= t {
		b.queue = b.queue[:len(b.queue)-1]
	}
}

// InsertMedium drains queued content from t onwards and splices the other
// medium into the underlying sequence.
func (b *PreBuffer) InsertMedium(m *Medium, t float64) error {
	b.mu.Lock()
	b.clearFrom(t)
	b.mu.Unlock()

	other := m.NewIterator()
	defer other.Close()
	b.itMu.Lock()
	defer b.itMu.Unlock()
	return b.it.Insert(other, t)
}

// InsertGap drains queued content from t onwards and shifts the sequence by
// d without adding frames.
func (b *PreBuffer) InsertGap(d, t float64) error {
	b.mu.Lock()
	b.clearFrom(t)
	b.mu.Unlock()

	b.itMu.Lock()
	defer b.itMu.Unlock()
	return b.it.InsertGap(d, t)
}
