// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package demux

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/drubbo/kinoglaz-sub001/media"
)

// MPEG-1 audio tables; index 0 and 15 are reserved.
var mpegBitrates = map[int][16]int{
	1: {0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
	2: {0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
	3: {0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
}

var mpegSampleRates = [4]int{44100, 48000, 32000, 0}

// mpegAudioDemuxer reads an MPEG-1 elementary audio stream frame by frame.
// Layer I/II streams map to the MPA payload, layer III to mpa-robust ADUs
// (the re-segmentation happens in the descriptor glue).
type mpegAudioDemuxer struct {
	f  *os.File
	br *bufio.Reader

	layer           int
	sampleRate      int
	channels        int
	samplesPerFrame int
	duration        float64

	frameIdx int
}

func openMPEGAudio(path string) (Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)

	hdr, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("demux: %s too short for MPEG audio: %w", path, err)
	}
	if hdr[0] != 0xFF || hdr[1]&0xE0 != 0xE0 {
		f.Close()
		return nil, fmt.Errorf("demux: %s carries no MPEG audio syncword", path)
	}

	version := (hdr[1] >> 3) & 0x03 // 3 = MPEG-1
	if version != 3 {
		f.Close()
		return nil, fmt.Errorf("demux: only MPEG-1 audio is handled, version bits %d", version)
	}
	layer := 4 - int((hdr[1]>>1)&0x03)
	if layer < 1 || layer > 3 {
		f.Close()
		return nil, fmt.Errorf("demux: bad MPEG audio layer")
	}
	sampleRate := mpegSampleRates[(hdr[2]>>2)&0x03]
	if sampleRate == 0 {
		f.Close()
		return nil, fmt.Errorf("demux: reserved MPEG audio sample rate")
	}
	channels := 2
	if (hdr[3]>>6)&0x03 == 3 {
		channels = 1
	}
	samples := 1152
	if layer == 1 {
		samples = 384
	}

	d := &mpegAudioDemuxer{
		f:               f,
		br:              br,
		layer:           layer,
		sampleRate:      sampleRate,
		channels:        channels,
		samplesPerFrame: samples,
	}

	if st, err := f.Stat(); err == nil {
		if flen := d.frameLen(hdr); flen > 0 {
			frames := float64(st.Size()) / float64(flen)
			d.duration = frames * float64(samples) / float64(sampleRate)
		}
	}
	return d, nil
}

func (d *mpegAudioDemuxer) frameLen(hdr []byte) int {
	bitrate := mpegBitrates[d.layer][(hdr[2]>>4)&0x0F] * 1000
	if bitrate == 0 {
		return 0
	}
	padding := int((hdr[2] >> 1) & 0x01)
	if d.layer == 1 {
		return (12*bitrate/d.sampleRate + padding) * 4
	}
	return 144*bitrate/d.sampleRate + padding
}

func (d *mpegAudioDemuxer) codec() media.CodecID {
	if d.layer == 3 {
		return media.CodecMP3ADU
	}
	return media.CodecMPA
}

func (d *mpegAudioDemuxer) Streams() []StreamInfo {
	return []StreamInfo{{
		Index:     0,
		Codec:     d.codec(),
		Kind:      media.KindAudio,
		ClockRate: d.sampleRate,
		Channels:  d.channels,
		Duration:  d.duration,
		TimeBase:  float64(d.samplesPerFrame) / float64(d.sampleRate),
	}}
}

func (d *mpegAudioDemuxer) ReadFrame() (*Record, error) {
	hdr, err := d.br.Peek(4)
	if err != nil {
		if err == io.EOF || len(hdr) < 4 {
			return nil, io.EOF
		}
		return nil, err
	}
	if hdr[0] != 0xFF || hdr[1]&0xE0 != 0xE0 {
		return nil, fmt.Errorf("demux: lost MPEG audio sync at frame %d", d.frameIdx)
	}

	flen := d.frameLen(hdr)
	if flen <= 0 {
		return nil, fmt.Errorf("demux: free-format MPEG audio is not handled")
	}

	data := make([]byte, flen)
	if _, err := io.ReadFull(d.br, data); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	rec := &Record{
		StreamIndex: 0,
		Time:        float64(d.frameIdx) * float64(d.samplesPerFrame) / float64(d.sampleRate),
		Data:        data,
	}
	d.frameIdx++
	return rec, nil
}

func (d *mpegAudioDemuxer) Close() error { return d.f.Close() }
