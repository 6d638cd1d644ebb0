// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package media

import (
	"fmt"

	"github.com/pion/rtp"
)

const rtpHeaderSize = 12

// Packet is one RTP packet produced from a frame. LastOfFrame marks the final
// fragment, transport uses it to flush partial-write buffers.
type Packet struct {
	rtp.Packet
	LastOfFrame bool
}

// Packetizer splits one frame into RTP packets following the codec payload
// rules. All fragments of a frame share the timestamp; the sequence counter
// advances once per packet.
type Packetizer interface {
	Packetize(f *Frame, timestamp, ssrc uint32, seq *Sequencer) ([]Packet, error)
}

func header(f *Frame, timestamp, ssrc uint32, seq uint16, marker bool) rtp.Header {
	return rtp.Header{
		Version:        2,
		Marker:         marker,
		PayloadType:    f.PayloadType,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		SSRC:           ssrc,
	}
}

// rawPacketizer splits a payload into bare MTU-bound fragments, marker set on
// the last one. Used for codecs without a fragment header (L16).
type rawPacketizer struct{ mtu int }

func (p *rawPacketizer) Packetize(f *Frame, timestamp, ssrc uint32, seq *Sequencer) ([]Packet, error) {
	payloadSize := p.mtu - rtpHeaderSize
	var rt []Packet
	for chunk := 0; chunk < len(f.Data); {
		sz := min(payloadSize, len(f.Data)-chunk)
		last := chunk+sz >= len(f.Data)
		rt = append(rt, Packet{
			Packet: rtp.Packet{
				Header:  header(f, timestamp, ssrc, seq.Next(), last),
				Payload: f.Data[chunk : chunk+sz],
			},
			LastOfFrame: last,
		})
		chunk += sz
	}
	return rt, nil
}

// mpaPacketizer implements RFC 2250 MPEG audio packetization: a 4-byte
// fragment offset header, marker on the last fragment.
type mpaPacketizer struct{ mtu int }

func (p *mpaPacketizer) Packetize(f *Frame, timestamp, ssrc uint32, seq *Sequencer) ([]Packet, error) {
	if len(f.Data) >= 0x10000 {
		return nil, fmt.Errorf("media: MPA frame of %d bytes exceeds 65535", len(f.Data))
	}
	payloadSize := p.mtu - rtpHeaderSize - 4
	var rt []Packet
	for chunk := 0; chunk < len(f.Data); {
		sz := min(payloadSize, len(f.Data)-chunk)
		last := chunk+sz >= len(f.Data)

		payload := make([]byte, 4+sz)
		// mbz(16) + fragment offset(16)
		payload[2] = byte(chunk >> 8)
		payload[3] = byte(chunk)
		copy(payload[4:], f.Data[chunk:chunk+sz])

		rt = append(rt, Packet{
			Packet: rtp.Packet{
				Header:  header(f, timestamp, ssrc, seq.Next(), last),
				Payload: payload,
			},
			LastOfFrame: last,
		})
		chunk += sz
	}
	return rt, nil
}

// aacPacketizer implements RFC 3640 AAC-hbr: each packet carries a 2-byte
// AU-headers-length followed by one AU header (13 bit size, 3 bit index 0).
type aacPacketizer struct{ mtu int }

func (p *aacPacketizer) Packetize(f *Frame, timestamp, ssrc uint32, seq *Sequencer) ([]Packet, error) {
	// the maximum size of an AAC frame in AAC-hbr mode is 8191 octets
	if len(f.Data) > 8191 {
		return nil, fmt.Errorf("media: AAC frame of %d bytes exceeds 8191", len(f.Data))
	}
	payloadSize := p.mtu - rtpHeaderSize - 4
	var rt []Packet
	for chunk := 0; chunk < len(f.Data); {
		sz := min(payloadSize, len(f.Data)-chunk)
		last := chunk+sz >= len(f.Data)

		payload := make([]byte, 4+sz)
		// AU-headers-length in bits
		payload[0] = 0
		payload[1] = 16
		auHeader := uint16(sz) << 3
		payload[2] = byte(auHeader >> 8)
		payload[3] = byte(auHeader)
		copy(payload[4:], f.Data[chunk:chunk+sz])

		rt = append(rt, Packet{
			Packet: rtp.Packet{
				Header:  header(f, timestamp, ssrc, seq.Next(), last),
				Payload: payload,
			},
			LastOfFrame: last,
		})
		chunk += sz
	}
	return rt, nil
}

// mp4vPacketizer implements RFC 3016: bare fragments, marker set on the last
// RTP packet of a VOP.
type mp4vPacketizer struct{ mtu int }

func (p *mp4vPacketizer) Packetize(f *Frame, timestamp, ssrc uint32, seq *Sequencer) ([]Packet, error) {
	payloadSize := p.mtu - rtpHeaderSize
	var rt []Packet
	for chunk := 0; chunk < len(f.Data); {
		sz := min(payloadSize, len(f.Data)-chunk)
		last := chunk+sz >= len(f.Data)
		rt = append(rt, Packet{
			Packet: rtp.Packet{
				Header:  header(f, timestamp, ssrc, seq.Next(), last),
				Payload: f.Data[chunk : chunk+sz],
			},
			LastOfFrame: last,
		})
		chunk += sz
	}
	return rt, nil
}

// mp3aduPacketizer implements RFC 3119 mpa-robust: every packet starts with a
// 2-byte ADU descriptor (continuation flag + 14-bit total size), marker never
// set.
type mp3aduPacketizer struct{ mtu int }

func (p *mp3aduPacketizer) Packetize(f *Frame, timestamp, ssrc uint32, seq *Sequencer) ([]Packet, error) {
	if len(f.Data) >= 0x40000 {
		return nil, fmt.Errorf("media: ADU frame of %d bytes exceeds 262143", len(f.Data))
	}
	payloadSize := p.mtu - rtpHeaderSize - 2
	tot := len(f.Data)
	var rt []Packet
	for chunk := 0; chunk < tot; {
		sz := min(payloadSize, tot-chunk)
		last := chunk+sz >= tot

		payload := make([]byte, 2+sz)
		c := byte(0x40)
		if chunk > 0 {
			c = 0xC0
		}
		payload[0] = c | byte((tot&0x3F00)>>8)
		payload[1] = byte(tot & 0xFF)
		copy(payload[2:], f.Data[chunk:chunk+sz])

		rt = append(rt, Packet{
			Packet: rtp.Packet{
				Header:  header(f, timestamp, ssrc, seq.Next(), false),
				Payload: payload,
			},
			LastOfFrame: last,
		})
		chunk += sz
	}
	return rt, nil
}
