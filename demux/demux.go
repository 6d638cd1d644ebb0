// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package demux

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/drubbo/kinoglaz-sub001/media"
)

// ErrUnsupported reports a container no registered reader understands.
var ErrUnsupported = errors.New("demux: unsupported container")

// StreamInfo describes one elementary stream of a container.
type StreamInfo struct {
	Index     int
	Codec     media.CodecID
	Kind      media.Kind
	ClockRate int
	Channels  int
	ExtraData []byte
	Duration  float64
	TimeBase  float64
}

// Record is one demuxed frame: stream index, presentation time in seconds,
// payload and the key flag for video.
type Record struct {
	StreamIndex int
	Time        float64
	Data        []byte
	Key         bool
}

// Demuxer reads a container sequentially. ReadFrame returns io.EOF at end of
// container.
type Demuxer interface {
	Streams() []StreamInfo
	ReadFrame() (*Record, error)
	Close() error
}

// Opener constructs a demuxer over a file path.
type Opener func(path string) (Demuxer, error)

var openers = map[string]Opener{}

// Register binds a file extension (without dot, lower case) to an opener.
func Register(ext string, op Opener) { openers[ext] = op }

func init() {
	Register("wav", openWAV)
	Register("aac", openADTS)
	Register("adts", openADTS)
	Register("mp1", openMPEGAudio)
	Register("mp2", openMPEGAudio)
	Register("mp3", openMPEGAudio)
	Register("mpa", openMPEGAudio)
	Register("m4v", openMP4V)
	Register("mp4v", openMP4V)
}

// Open picks the reader from the file extension.
func Open(path string) (Demuxer, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	op, ok := openers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	return op(path)
}
