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

// aacFrameSamples is the AAC AU extent; frame duration is 1024/sampleRate.
const aacFrameSamples = 1024

var adtsSampleRates = [16]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

// adtsDemuxer reads raw AAC wrapped in ADTS headers and yields bare AUs.
type adtsDemuxer struct {
	f  *os.File
	br *bufio.Reader

	sampleRate int
	channels   int
	config     []byte
	duration   float64

	frameIdx int
}

func openADTS(path string) (Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)

	hdr, err := br.Peek(7)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("demux: %s too short for ADTS: %w", path, err)
	}
	if hdr[0] != 0xFF || hdr[1]&0xF6 != 0xF0 {
		f.Close()
		return nil, fmt.Errorf("demux: %s carries no ADTS syncword", path)
	}

	profile := hdr[2] >> 6 // 0 = main, 1 = LC
	srIdx := (hdr[2] >> 2) & 0x0F
	channels := (hdr[2]&0x01)<<2 | hdr[3]>>6

	d := &adtsDemuxer{
		f:          f,
		br:         br,
		sampleRate: adtsSampleRates[srIdx],
		channels:   int(channels),
	}
	if d.sampleRate == 0 {
		f.Close()
		return nil, fmt.Errorf("demux: %s has a reserved ADTS sampling index", path)
	}

	// AudioSpecificConfig: 5 bit object type, 4 bit frequency index,
	// 4 bit channel configuration
	objType := profile + 1
	d.config = []byte{
		objType<<3 | srIdx>>1,
		srIdx<<7 | channels<<3,
	}

	// duration is estimated from the file size divided by the first frame's
	// length, times the samples per frame
	if st, err := f.Stat(); err == nil {
		frameLen := int(uint32(hdr[3]&0x03)<<11 | uint32(hdr[4])<<3 | uint32(hdr[5])>>5)
		if frameLen > 0 {
			frames := float64(st.Size()) / float64(frameLen)
			d.duration = frames * aacFrameSamples / float64(d.sampleRate)
		}
	}
	return d, nil
}

func (d *adtsDemuxer) Streams() []StreamInfo {
	return []StreamInfo{{
		Index:     0,
		Codec:     media.CodecAAC,
		Kind:      media.KindAudio,
		ClockRate: d.sampleRate,
		Channels:  d.channels,
		ExtraData: d.config,
		Duration:  d.duration,
		TimeBase:  float64(aacFrameSamples) / float64(d.sampleRate),
	}}
}

func (d *adtsDemuxer) ReadFrame() (*Record, error) {
	hdr := make([]byte, 7)
	if _, err := io.ReadFull(d.br, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if hdr[0] != 0xFF || hdr[1]&0xF6 != 0xF0 {
		return nil, fmt.Errorf("demux: lost ADTS sync at frame %d", d.frameIdx)
	}

	frameLen := int(uint32(hdr[3]&0x03)<<11 | uint32(hdr[4])<<3 | uint32(hdr[5])>>5)
	headerLen := 7
	if hdr[1]&0x01 == 0 {
		// CRC present
		headerLen = 9
		if _, err := d.br.Discard(2); err != nil {
			return nil, err
		}
	}
	if frameLen < headerLen {
		return nil, fmt.Errorf("demux: bad ADTS frame length %d", frameLen)
	}

	data := make([]byte, frameLen-headerLen)
	if _, err := io.ReadFull(d.br, data); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	rec := &Record{
		StreamIndex: 0,
		Time:        float64(d.frameIdx) * float64(aacFrameSamples) / float64(d.sampleRate),
		Data:        data,
	}
	d.frameIdx++
	return rec, nil
}

func (d *adtsDemuxer) Close() error { return d.f.Close() }
