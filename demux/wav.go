// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package demux

import (
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/drubbo/kinoglaz-sub001/media"
)

// wavFrameDur is the extent of one produced L16 frame.
const wavFrameDur = 0.020

// wavDemuxer reads a PCM WAV file and yields 20 ms frames of network order
// 16-bit samples (L16).
type wavDemuxer struct {
	f   *os.File
	dec *wav.Decoder

	sampleRate int
	channels   int
	duration   float64

	samplesPerFrame int
	buf             *audio.IntBuffer
	frameIdx        int
}

func openWAV(path string) (Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("demux: %s is not a playable WAV file", path)
	}

	d := &wavDemuxer{
		f:          f,
		dec:        dec,
		sampleRate: int(dec.SampleRate),
		channels:   int(dec.NumChans),
	}
	if dur, err := dec.Duration(); err == nil {
		d.duration = dur.Seconds()
	}
	d.samplesPerFrame = int(float64(d.sampleRate) * wavFrameDur)
	d.buf = &audio.IntBuffer{
		Format: &audio.Format{NumChannels: d.channels, SampleRate: d.sampleRate},
		Data:   make([]int, d.samplesPerFrame*d.channels),
	}
	return d, nil
}

func (d *wavDemuxer) Streams() []StreamInfo {
	return []StreamInfo{{
		Index:     0,
		Codec:     media.CodecL16,
		Kind:      media.KindAudio,
		ClockRate: d.sampleRate,
		Channels:  d.channels,
		Duration:  d.duration,
		TimeBase:  1.0 / float64(d.sampleRate),
	}}
}

func (d *wavDemuxer) ReadFrame() (*Record, error) {
	n, err := d.dec.PCMBuffer(d.buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}

	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(d.buf.Data[i])
		data[i*2] = byte(uint16(s) >> 8)
		data[i*2+1] = byte(uint16(s))
	}

	rec := &Record{
		StreamIndex: 0,
		Time:        float64(d.frameIdx) * wavFrameDur,
		Data:        data,
	}
	d.frameIdx++
	return rec, nil
}

func (d *wavDemuxer) Close() error { return d.f.Close() }
