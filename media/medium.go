// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"errors"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrOutOfBounds reports a seek or index past the end of a finalized
	// medium. The fetch boundary converts it into end of stream.
	ErrOutOfBounds = errors.New("media: position out of bounds")

	// ErrEndOfStream is raised by the pre-buffer consumer once the fetch
	// task terminated and the queue drained.
	ErrEndOfStream = errors.New("media: end of stream")
)

// Medium is a container-backed frame store for a single track. The demux
// goroutine appends frames until end of container; readers block on the
// moreFrames condition while the final count is unknown.
//
// All fields behind mu. Iterators register on creation so the store outlives
// every cursor; Close waits for the count to drop to zero.
type Medium struct {
	mu           sync.Mutex
	moreFrames   *sync.Cond
	iterReleased *sync.Cond

	frames    []*Frame
	finalized bool

	kind        Kind
	codec       CodecID
	payloadType uint8
	clockRate   int
	channels    int
	extraData   []byte
	duration    float64
	timeBase    float64
	fileName    string
	trackName   string
	index       int

	// shift applied to frames added after a splice, so demux-produced
	// frames stay behind inserted content
	frameShift float64

	// retain keeps sent payloads in memory; set for shared descriptors
	retain bool

	iterCount int
	itModel   Iterator

	log zerolog.Logger
}

// MediumInfo carries the static attributes of a track as the demuxer reports
// them.
type MediumInfo struct {
	Kind        Kind
	Codec       CodecID
	PayloadType uint8
	ClockRate   int
	Channels    int
	ExtraData   []byte
	Duration    float64
	TimeBase    float64
	FileName    string
	Index       int
}

func NewMedium(info MediumInfo) *Medium {
	m := &Medium{
		kind:        info.Kind,
		codec:       info.Codec,
		payloadType: info.PayloadType,
		clockRate:   info.ClockRate,
		channels:    info.Channels,
		extraData:   info.ExtraData,
		duration:    info.Duration,
		timeBase:    info.TimeBase,
		fileName:    info.FileName,
		index:       info.Index,
		log:         log.With().Str("comp", "medium").Str("file", info.FileName).Int("track", info.Index).Logger(),
	}
	m.moreFrames = sync.NewCond(&m.mu)
	m.iterReleased = sync.NewCond(&m.mu)
	m.itModel = newDefaultIterator(m)
	return m
}

func (m *Medium) Kind() Kind          { return m.kind }
func (m *Medium) Codec() CodecID      { return m.codec }
func (m *Medium) PayloadType() uint8  { return m.payloadType }
func (m *Medium) ClockRate() int      { return m.clockRate }
func (m *Medium) Channels() int       { return m.channels }
func (m *Medium) ExtraData() []byte   { return m.extraData }
func (m *Medium) FileName() string    { return m.fileName }
func (m *Medium) Index() int          { return m.index }
func (m *Medium) TimeBase() float64   { return m.timeBase }

// SetRetain keeps payloads of released frames. Shared descriptors need this
// since other sessions may still be behind.
func (m *Medium) SetRetain(v bool) {
	m.mu.Lock()
	m.retain = v
	m.mu.Unlock()
}

func (m *Medium) Duration() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

func (m *Medium) SetDuration(d float64) {
	m.mu.Lock()
	m.duration = d
	m.mu.Unlock()
}

// AddFrame appends a frame produced by the demuxer, applying the accumulated
// splice shift, and wakes blocked readers.
func (m *Medium) AddFrame(f *Frame) {
	m.mu.Lock()
	f.PayloadType = m.payloadType
	f.Time += m.frameShift
	f.Pos = len(m.frames)
	m.frames = append(m.frames, f)
	m.mu.Unlock()
	m.moreFrames.Broadcast()
}

// FinalizeFrameCount marks the frame sequence complete. Blocked readers past
// the end now fail with ErrOutOfBounds.
func (m *Medium) FinalizeFrameCount() {
	m.mu.Lock()
	m.finalized = true
	m.mu.Unlock()
	m.moreFrames.Broadcast()
}

// FrameCount blocks until the count is final.
func (m *Medium) FrameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.finalized {
		m.moreFrames.Wait()
	}
	return len(m.frames)
}

// FrameAt blocks while the frame may still be produced; past a finalized end
// it fails with ErrOutOfBounds.
func (m *Medium) FrameAt(pos int) (*Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frameAtLocked(pos)
}

func (m *Medium) frameAtLocked(pos int) (*Frame, error) {
	if pos < 0 {
		return nil, ErrOutOfBounds
	}
	for pos >= len(m.frames) {
		if m.finalized {
			return nil, ErrOutOfBounds
		}
		m.moreFrames.Wait()
	}
	return m.frames[pos], nil
}

// FramePos returns the smallest index whose frame time is >= t; for video the
// frame must also be a key frame. It blocks while more frames may arrive.
func (m *Medium) FramePos(t float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framePosLocked(t)
}

func (m *Medium) framePosLocked(t float64) (int, error) {
	pos := 0
	for {
		if pos >= len(m.frames) {
			if m.finalized {
				return 0, ErrOutOfBounds
			}
			m.moreFrames.Wait()
			continue
		}
		f := m.frames[pos]
		if f.Time >= t && (m.kind != KindVideo || f.Key) {
			return pos, nil
		}
		pos++
	}
}

// FramePosBefore returns the largest valid index whose frame time is <= t,
// applying the video key rule. Used to position reverse playback.
func (m *Medium) FramePosBefore(t float64) (int, error) {
	// wait for the full extent, reverse scan needs the end
	m.FrameCount()
	m.mu.Lock()
	defer m.mu.Unlock()
	for pos := len(m.frames) - 1; pos >= 0; pos-- {
		f := m.frames[pos]
		if f.Time <= t && (m.kind != KindVideo || f.Key) {
			return pos, nil
		}
	}
	return 0, ErrOutOfBounds
}

// Frames returns a cloned snapshot from the frame FramePos finds for from
// through the frame it finds for to, both included. For video that upper
// frame is dropped, so the slice ends before the key frame covering to, on a
// decodable run. Times are rebased to start at zero.
func (m *Medium) Frames(from, to float64) []*Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromPos := 0
	if p, err := m.framePosLocked(from); err == nil {
		fromPos = p
	} else {
		m.log.Warn().Float64("from", from).Msg("Frame range start cropped to 0")
	}
	toPos := len(m.frames) - 1
	if !math.IsInf(to, 1) {
		if p, err := m.framePosLocked(to); err == nil {
			toPos = p
			if m.kind == KindVideo && toPos > 0 {
				toPos--
			}
		} else {
			m.log.Warn().Float64("to", to).Msg("Frame range stop cropped to frame count")
		}
	}

	rt := make([]*Frame, 0, toPos-fromPos+1)
	for i := fromPos; i <= toPos && i < len(m.frames); i++ {
		f := m.frames[i].Clone()
		f.Time -= from
		rt = append(rt, f)
	}
	return rt
}

// Insert splices the frames yielded by it into this medium at the first valid
// position at or after start. Frames already stored after the splice point
// shift forward by the splice duration, atomically under the store mutex.
func (m *Medium) Insert(it Iterator, start float64) error {
	// snapshot the incoming sequence first; walking it under our own lock
	// would deadlock when a medium is spliced into itself
	d := it.Duration()
	var toInsert []*Frame
	for {
		f, err := it.Next()
		if err != nil {
			break
		}
		nf := f.Clone()
		nf.Time += start
		toInsert = append(toInsert, nf)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, err := m.framePosLocked(start)
	if err != nil {
		return err
	}
	m.log.Debug().Int("pos", pos).Float64("start", start).Float64("shift", d).Msg("Media insert")

	for i := pos; i < len(m.frames); i++ {
		m.frames[i].Time += d
	}

	m.frames = append(m.frames[:pos], append(toInsert, m.frames[pos:]...)...)
	for i := pos; i < len(m.frames); i++ {
		m.frames[i].Pos = i
	}
	m.duration += d
	m.frameShift += d
	return nil
}

// InsertGap shifts all frames at or after start by d without adding content.
func (m *Medium) InsertGap(d, start float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, err := m.framePosLocked(start)
	if err != nil {
		return err
	}
	for i := pos; i < len(m.frames); i++ {
		m.frames[i].Time += d
	}
	m.duration += d
	m.frameShift += d
	return nil
}

// Append waits until the medium is finalized, then concatenates the frames
// yielded by it, rebased past the current duration.
func (m *Medium) Append(it Iterator) {
	d := it.Duration()
	var frames []*Frame
	for {
		f, err := it.Next()
		if err != nil {
			break
		}
		frames = append(frames, f.Clone())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.finalized {
		m.moreFrames.Wait()
	}
	for _, nf := range frames {
		nf.Time += m.duration
		nf.Pos = len(m.frames)
		m.frames = append(m.frames, nf)
	}
	m.duration += d
}

// Loop replaces the iterator model so new cursors repeat the medium n times;
// 0 means forever.
func (m *Medium) Loop(times int) {
	m.mu.Lock()
	m.itModel = newLoopIterator(m.itModel, times)
	m.mu.Unlock()
}

// IterationDuration is the duration one cursor will traverse, accounting for
// a loop model.
func (m *Medium) IterationDuration() float64 {
	m.mu.Lock()
	model := m.itModel
	m.mu.Unlock()
	// the model re-locks the store for its extent, do not hold mu here
	return model.Duration()
}

// NewIterator clones the current iterator model. The cursor registers with
// the medium and must be closed.
func (m *Medium) NewIterator() Iterator {
	m.mu.Lock()
	model := m.itModel
	m.mu.Unlock()
	return model.Clone()
}

// ReleaseFrame drops the payload of a sent frame unless the medium retains
// them for other readers.
func (m *Medium) ReleaseFrame(pos int) {
	m.mu.Lock()
	if !m.retain && pos >= 0 && pos < len(m.frames) {
		m.frames[pos].Data = nil
	}
	m.mu.Unlock()
}

func (m *Medium) registerIterator() {
	m.mu.Lock()
	m.iterCount++
	m.mu.Unlock()
}

func (m *Medium) releaseIterator() {
	m.mu.Lock()
	m.iterCount--
	m.mu.Unlock()
	m.iterReleased.Broadcast()
}

// Close blocks until every live iterator has been closed, then drops the
// store.
func (m *Medium) Close() {
	m.mu.Lock()
	for m.iterCount > 0 {
		m.iterReleased.Wait()
	}
	m.frames = nil
	m.mu.Unlock()
}
