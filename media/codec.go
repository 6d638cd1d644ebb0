// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"fmt"
	"math"
	"strings"
)

var infDuration = math.Inf(1)

// CodecID identifies a supported codec independently of the negotiated RTP
// payload type.
type CodecID string

const (
	CodecMPA    CodecID = "mpa"     // MPEG-1/2 audio layer I/II, RFC 2250
	CodecAAC    CodecID = "aac"     // mpeg4-generic AAC-hbr, RFC 3640
	CodecMP4V   CodecID = "mp4v"    // MPEG-4 visual ES, RFC 3016
	CodecMP3ADU CodecID = "mp3adu"  // mpa-robust ADU frames, RFC 3119
	CodecL16    CodecID = "l16"     // uncompressed PCM, RFC 3551
)

// Codec binds a codec id to its media kind, default payload type and the
// strings the SDP reply advertises.
type Codec struct {
	ID          CodecID
	Kind        Kind
	PayloadType uint8
	ClockRate   int
	EncodingName string

	newPacketizer func(mtu int) Packetizer
}

var codecs = map[CodecID]Codec{
	CodecMPA: {
		ID: CodecMPA, Kind: KindAudio, PayloadType: 14, ClockRate: 90000,
		EncodingName:  "MPA",
		newPacketizer: func(mtu int) Packetizer { return &mpaPacketizer{mtu: mtu} },
	},
	CodecAAC: {
		ID: CodecAAC, Kind: KindAudio, PayloadType: 97, ClockRate: 0,
		EncodingName:  "mpeg4-generic",
		newPacketizer: func(mtu int) Packetizer { return &aacPacketizer{mtu: mtu} },
	},
	CodecMP4V: {
		ID: CodecMP4V, Kind: KindVideo, PayloadType: 96, ClockRate: 90000,
		EncodingName:  "MP4V-ES",
		newPacketizer: func(mtu int) Packetizer { return &mp4vPacketizer{mtu: mtu} },
	},
	CodecMP3ADU: {
		ID: CodecMP3ADU, Kind: KindAudio, PayloadType: 98, ClockRate: 90000,
		EncodingName:  "mpa-robust",
		newPacketizer: func(mtu int) Packetizer { return &mp3aduPacketizer{mtu: mtu} },
	},
	CodecL16: {
		ID: CodecL16, Kind: KindAudio, PayloadType: 99, ClockRate: 0,
		EncodingName:  "L16",
		newPacketizer: func(mtu int) Packetizer { return &rawPacketizer{mtu: mtu} },
	},
}

// CodecByID looks a codec up in the registry.
func CodecByID(id CodecID) (Codec, bool) {
	c, ok := codecs[id]
	return c, ok
}

// NewPacketizer builds the frame packetiser for a codec. One lookup per
// session, then dispatch is monomorphic.
func NewPacketizer(id CodecID, mtu int) (Packetizer, error) {
	c, ok := codecs[id]
	if !ok {
		return nil, fmt.Errorf("media: unsupported codec %q", id)
	}
	return c.newPacketizer(mtu), nil
}

// RTPMap renders the a=rtpmap attribute value of a medium.
func RTPMap(m *Medium) string {
	c := codecs[m.Codec()]
	rate := c.ClockRate
	if rate == 0 {
		rate = m.ClockRate()
	}
	s := fmt.Sprintf("%d %s/%d", m.PayloadType(), c.EncodingName, rate)
	if m.Kind() == KindAudio && m.Channels() > 1 && c.ID != CodecMPA && c.ID != CodecMP3ADU {
		s += fmt.Sprintf("/%d", m.Channels())
	}
	return s
}

// FMTP renders the a=fmtp attribute value of a medium, or "" when the codec
// carries no format parameters.
func FMTP(m *Medium) string {
	switch m.Codec() {
	case CodecAAC:
		return fmt.Sprintf(
			"%d profile-level-id=1;mode=AAC-hbr;sizeLength=13;indexLength=3;indexDeltaLength=3;config=%s",
			m.PayloadType(), hexConfig(m.ExtraData()))
	case CodecMP4V:
		return fmt.Sprintf("%d profile-level-id=1;config=%s", m.PayloadType(), hexConfig(m.ExtraData()))
	default:
		return ""
	}
}

func hexConfig(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		sb.WriteByte(toNibble(c >> 4))
		sb.WriteByte(toNibble(c & 0x0F))
	}
	return sb.String()
}

func toNibble(in byte) byte {
	if in < 10 {
		return '0' + in
	}
	return 'A' + in - 10
}
