// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package demux

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/drubbo/kinoglaz-sub001/media"
)

const (
	vopStartCode = 0xB6
	// elementary streams carry no timing; assume a fixed frame cadence
	mp4vFrameRate = 25.0
)

var startCodePrefix = []byte{0x00, 0x00, 0x01}

// mp4vDemuxer splits an MPEG-4 visual elementary stream on VOP start codes.
// Everything before the first VOP (VOS/VO/VOL headers) becomes the codec
// config blob the SDP fmtp advertises.
type mp4vDemuxer struct {
	frames [][]byte
	config []byte

	frameIdx int
}

func openMP4V(path string) (Demuxer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// find every VOP start code
	var vops []int
	for off := 0; ; {
		i := bytes.Index(raw[off:], startCodePrefix)
		if i < 0 || off+i+3 >= len(raw) {
			break
		}
		pos := off + i
		if raw[pos+3] == vopStartCode {
			vops = append(vops, pos)
		}
		off = pos + 3
	}
	if len(vops) == 0 {
		return nil, fmt.Errorf("demux: %s holds no MPEG-4 VOP", path)
	}

	d := &mp4vDemuxer{config: raw[:vops[0]]}
	for i, pos := range vops {
		end := len(raw)
		if i+1 < len(vops) {
			end = vops[i+1]
		}
		d.frames = append(d.frames, raw[pos:end])
	}
	return d, nil
}

// vopIsKey reads the 2-bit vop_coding_type right after the start code;
// 0 is an I-VOP.
func vopIsKey(frame []byte) bool {
	if len(frame) < 5 {
		return false
	}
	return frame[4]>>6 == 0
}

func (d *mp4vDemuxer) Streams() []StreamInfo {
	return []StreamInfo{{
		Index:     0,
		Codec:     media.CodecMP4V,
		Kind:      media.KindVideo,
		ClockRate: 90000,
		ExtraData: d.config,
		Duration:  float64(len(d.frames)) / mp4vFrameRate,
		TimeBase:  1.0 / mp4vFrameRate,
	}}
}

func (d *mp4vDemuxer) ReadFrame() (*Record, error) {
	if d.frameIdx >= len(d.frames) {
		return nil, io.EOF
	}
	frame := d.frames[d.frameIdx]
	rec := &Record{
		StreamIndex: 0,
		Time:        float64(d.frameIdx) / mp4vFrameRate,
		Data:        frame,
		Key:         vopIsKey(frame),
	}
	d.frameIdx++
	return rec, nil
}

func (d *mp4vDemuxer) Close() error { return nil }
