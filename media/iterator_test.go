// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIteratorWalk(t *testing.T) {
	m := audioMedium([]float64{0, 0.02, 0.04})
	m.FinalizeFrameCount()

	it := m.NewIterator()
	defer it.Close()

	f, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, 0.0, f.Time)

	f, err = it.Next()
	require.NoError(t, err)
	require.Equal(t, 0.02, f.Time)
	require.Equal(t, 2, it.Pos())

	f, err = it.SeekTime(0.03)
	require.NoError(t, err)
	require.Equal(t, 0.04, f.Time)

	_, err = it.Next()
	require.NoError(t, err)
	_, err = it.Next()
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestDefaultIteratorPrev(t *testing.T) {
	m := audioMedium([]float64{0, 0.02, 0.04})
	m.FinalizeFrameCount()

	it := m.NewIterator()
	defer it.Close()

	_, err := it.SeekPos(2)
	require.NoError(t, err)

	var times []float64
	for {
		f, err := it.Prev()
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfBounds)
			break
		}
		times = append(times, f.Time)
	}
	require.Equal(t, []float64{0.04, 0.02, 0}, times)
}

func TestSliceIteratorSeeksKeyFrames(t *testing.T) {
	frames := []*Frame{
		{Time: 0, Key: true},
		{Time: 0.04},
		{Time: 0.08},
		{Time: 0.12, Key: true},
		{Time: 0.16},
	}
	it := NewSliceIterator(frames, KindVideo)

	f, err := it.SeekTime(0.02)
	require.NoError(t, err)
	require.Equal(t, 0.12, f.Time)

	f, err = it.SeekTimeBack(0.1)
	require.NoError(t, err)
	require.Equal(t, 0.0, f.Time)

	require.InDelta(t, 0.16, it.Duration(), 1e-9)
}

func TestSliceIteratorInsert(t *testing.T) {
	base := []*Frame{{Time: 0}, {Time: 0.1}, {Time: 0.2}}
	it := NewSliceIterator(base, KindAudio)

	other := NewSliceIterator([]*Frame{{Time: 0}, {Time: 0.05}}, KindAudio)
	require.NoError(t, it.Insert(other, 0.1))

	require.Equal(t, 5, it.Size())
	var times []float64
	for {
		f, err := it.Next()
		if err != nil {
			break
		}
		times = append(times, f.Time)
	}
	require.InDeltaSlice(t, []float64{0, 0.1, 0.15, 0.15, 0.25}, times, 1e-9)
}

func TestLoopIteratorRepeats(t *testing.T) {
	m := audioMedium([]float64{0, 0.02})
	m.SetDuration(0.04)
	m.FinalizeFrameCount()

	it := NewLoopIterator(m.NewIterator(), 2)
	defer it.Close()

	require.InDelta(t, 0.08, it.Duration(), 1e-9)

	var times []float64
	for {
		f, err := it.Next()
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfBounds)
			break
		}
		times = append(times, f.Time)
	}
	// second iteration displaced by the inner duration
	require.InDeltaSlice(t, []float64{0, 0.02, 0.04, 0.06}, times, 1e-9)
}

func TestLoopIteratorInfinite(t *testing.T) {
	m := audioMedium([]float64{0, 0.02})
	m.SetDuration(0.04)
	m.FinalizeFrameCount()

	it := NewLoopIterator(m.NewIterator(), 0)
	defer it.Close()

	require.True(t, math.IsInf(it.Duration(), 1))

	for i := 0; i < 10; i++ {
		_, err := it.Next()
		require.NoError(t, err)
	}
}

func TestMediumLoopModel(t *testing.T) {
	m := audioMedium([]float64{0, 0.02})
	m.SetDuration(0.04)
	m.FinalizeFrameCount()
	m.Loop(3)

	require.InDelta(t, 0.12, m.IterationDuration(), 1e-9)

	it := m.NewIterator()
	defer it.Close()
	n := 0
	for {
		if _, err := it.Next(); err != nil {
			break
		}
		n++
	}
	require.Equal(t, 6, n)
}
