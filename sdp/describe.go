// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sdp

import (
	"fmt"
	"math"
	"math/rand"
	"net"
	"strconv"

	psdp "github.com/pion/sdp/v3"

	"github.com/drubbo/kinoglaz-sub001/media"
)

// Describe renders the DESCRIBE reply for a loaded container. Each medium
// advertises a zero port (the client picks transports via SETUP), its rtpmap
// and fmtp lines and a per-track control URL; aggregate mode adds a
// session-level control attribute covering all tracks.
func Describe(c *Container, controlURL string, serverIP net.IP, aggregate bool) ([]byte, error) {
	addrType := "IP4"
	if serverIP != nil && serverIP.To4() == nil {
		addrType = "IP6"
	}
	addr := "127.0.0.1"
	if serverIP != nil {
		addr = serverIP.String()
	}

	sd := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      uint64(rand.Int63()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: addr,
		},
		SessionName: psdp.SessionName(c.FileName()),
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &psdp.Address{Address: addr},
		},
		TimeDescriptions: []psdp.TimeDescription{{}},
	}

	if dur := c.Duration(); dur > 0 && !math.IsInf(dur, 1) {
		sd.Attributes = append(sd.Attributes,
			psdp.NewAttribute("range", fmt.Sprintf("npt=0-%f", dur)))
	}
	if aggregate {
		sd.Attributes = append(sd.Attributes, psdp.NewAttribute("control", controlURL))
	}

	for _, m := range c.Media() {
		md := &psdp.MediaDescription{
			MediaName: psdp.MediaName{
				Media:   string(m.Kind()),
				Port:    psdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{strconv.Itoa(int(m.PayloadType()))},
			},
		}
		md.Attributes = append(md.Attributes,
			psdp.NewAttribute("control", fmt.Sprintf("%s/tk=%d", controlURL, m.Index())),
			psdp.NewAttribute("rtpmap", media.RTPMap(m)))
		if fmtp := media.FMTP(m); fmtp != "" {
			md.Attributes = append(md.Attributes, psdp.NewAttribute("fmtp", fmtp))
		}
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}

	return sd.Marshal()
}
