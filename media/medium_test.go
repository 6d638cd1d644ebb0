// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func audioMedium(times []float64) *Medium {
	m := NewMedium(MediumInfo{
		Kind: KindAudio, Codec: CodecMPA, PayloadType: 14,
		ClockRate: 90000, FileName: "test.mp2",
	})
	for _, t := range times {
		m.AddFrame(&Frame{Time: t, Data: []byte{1, 2, 3}, Key: true})
	}
	if len(times) > 0 {
		m.SetDuration(times[len(times)-1] - times[0] + 0.02)
	}
	return m
}

// videoMedium produces frames every 40 ms with a key frame every keyEvery.
func videoMedium(n, keyEvery int) *Medium {
	m := NewMedium(MediumInfo{
		Kind: KindVideo, Codec: CodecMP4V, PayloadType: 96,
		ClockRate: 90000, FileName: "test.m4v",
	})
	for i := 0; i < n; i++ {
		m.AddFrame(&Frame{
			Time: float64(i) * 0.04,
			Data: []byte{byte(i)},
			Key:  i%keyEvery == 0,
		})
	}
	m.SetDuration(float64(n) * 0.04)
	return m
}

func TestMediumFrameCountBlocksUntilFinal(t *testing.T) {
	m := audioMedium([]float64{0, 0.02, 0.04})

	done := make(chan int, 1)
	go func() { done <- m.FrameCount() }()

	select {
	case <-done:
		t.Fatal("FrameCount returned before finalize")
	case <-time.After(50 * time.Millisecond):
	}

	m.AddFrame(&Frame{Time: 0.06, Data: []byte{4}})
	m.FinalizeFrameCount()

	select {
	case n := <-done:
		require.Equal(t, 4, n)
	case <-time.After(time.Second):
		t.Fatal("FrameCount still blocked after finalize")
	}
}

func TestMediumFrameAtPastEnd(t *testing.T) {
	m := audioMedium([]float64{0, 0.02})
	m.FinalizeFrameCount()

	f, err := m.FrameAt(1)
	require.NoError(t, err)
	require.Equal(t, 0.02, f.Time)

	_, err = m.FrameAt(2)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestMediumFramePosVideoKeyRule(t *testing.T) {
	m := videoMedium(20, 5)
	m.FinalizeFrameCount()

	// t = 0.06 falls between frames 1 and 2; the first key at or after is
	// frame 5
	pos, err := m.FramePos(0.06)
	require.NoError(t, err)
	require.Equal(t, 5, pos)

	_, err = m.FramePos(100)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestMediumFramePosBefore(t *testing.T) {
	m := videoMedium(20, 5)
	m.FinalizeFrameCount()

	pos, err := m.FramePosBefore(0.3)
	require.NoError(t, err)
	require.Equal(t, 5, pos) // key frame at 0.2, next key at 0.4

	_, err = m.FramePosBefore(-1)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestMediumInsertShiftsTail(t *testing.T) {
	m := audioMedium([]float64{0, 0.02, 0.04, 0.06})
	m.FinalizeFrameCount()

	other := []*Frame{
		{Time: 0, Data: []byte{9}},
		{Time: 0.02, Data: []byte{9}},
	}
	it := NewSliceIterator(other, KindAudio)
	require.NoError(t, m.Insert(it, 0.04))

	require.Equal(t, 6, m.FrameCount())

	var times []float64
	for i := 0; i < 6; i++ {
		f, err := m.FrameAt(i)
		require.NoError(t, err)
		times = append(times, f.Time)
	}
	require.InDeltaSlice(t, []float64{0, 0.02, 0.04, 0.06, 0.06, 0.08}, times, 1e-9)

	// monotonic and positions rewritten
	for i := 1; i < 6; i++ {
		require.GreaterOrEqual(t, times[i], times[i-1])
		f, _ := m.FrameAt(i)
		require.Equal(t, i, f.Pos)
	}
}

func TestMediumInsertGap(t *testing.T) {
	m := audioMedium([]float64{0, 0.02, 0.04})
	m.FinalizeFrameCount()
	d := m.Duration()

	require.NoError(t, m.InsertGap(1.0, 0.02))

	f, _ := m.FrameAt(0)
	require.Equal(t, 0.0, f.Time)
	f, _ = m.FrameAt(1)
	require.InDelta(t, 1.02, f.Time, 1e-9)
	require.InDelta(t, d+1.0, m.Duration(), 1e-9)
}

func TestMediumAppend(t *testing.T) {
	m := audioMedium([]float64{0, 0.02})
	m.SetDuration(0.04)
	m.FinalizeFrameCount()

	it := NewSliceIterator([]*Frame{
		{Time: 0, Data: []byte{7}},
		{Time: 0.02, Data: []byte{7}},
	}, KindAudio)
	m.Append(it)

	require.Len(t, m.Frames(0, infDuration), 4)
	f, err := m.FrameAt(2)
	require.NoError(t, err)
	require.InDelta(t, 0.04, f.Time, 1e-9)
}

func TestMediumFramesVideoCropsToKeyRun(t *testing.T) {
	m := videoMedium(20, 5)
	m.FinalizeFrameCount()

	fs := m.Frames(0, 0.4)
	// stop lands on the key at frame 10, cropped one back
	require.Len(t, fs, 10)
	require.Equal(t, 0.0, fs[0].Time)
}

func TestMediumReleaseFrame(t *testing.T) {
	m := audioMedium([]float64{0, 0.02})
	m.FinalizeFrameCount()

	m.ReleaseFrame(0)
	f, _ := m.FrameAt(0)
	require.Nil(t, f.Data)

	m.SetRetain(true)
	m.ReleaseFrame(1)
	f, _ = m.FrameAt(1)
	require.NotNil(t, f.Data)
}
