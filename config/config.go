// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the parsed INI file. Zero values are filled with the documented
// defaults so a minimal file runs.
type Config struct {
	RTP    RTPConfig
	SDP    SDPConfig
	RTSP   RTSPConfig
	RTCP   RTCPConfig
	Server ServerConfig
	Daemon DaemonConfig
}

type RTPConfig struct {
	BufferLow  float64 // seconds below which the fetcher resumes
	BufferFull float64 // seconds at which the fetcher suspends
	MTU        int
	UDPFirst   int
	UDPLast    int
}

type SDPConfig struct {
	BaseDir          string
	Aggregate        bool
	ShareDescriptors bool
}

type RTSPConfig struct {
	SupportSeek bool
}

type RTCPConfig struct {
	SendEvery time.Duration
	PollEvery time.Duration
}

type ServerConfig struct {
	IP           string
	Port         int
	Limit        int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	WriteBuffer  int
}

type DaemonConfig struct {
	PidFile string
}

// Default is the configuration an empty file yields; Load fails on a
// missing file.
func Default() Config {
	return Config{
		RTP: RTPConfig{
			BufferLow:  1.0,
			BufferFull: 10.0,
			MTU:        1500,
			UDPFirst:   30000,
			UDPLast:    40000,
		},
		SDP: SDPConfig{
			BaseDir:   ".",
			Aggregate: true,
		},
		RTCP: RTCPConfig{
			SendEvery: 5 * time.Second,
			PollEvery: 5 * time.Second,
		},
		Server: ServerConfig{
			IP:           "0.0.0.0",
			Port:         8554,
			Limit:        0,
			ReadTimeout:  100 * time.Millisecond,
			WriteTimeout: time.Second,
			WriteBuffer:  65536,
		},
		Daemon: DaemonConfig{
			PidFile: "/var/run/kinoglazd.pid",
		},
	}
}

// Load parses the INI file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	rtp := f.Section("RTP")
	cfg.RTP.BufferLow = rtp.Key("buf-empty").MustFloat64(cfg.RTP.BufferLow)
	cfg.RTP.BufferFull = rtp.Key("buf-full").MustFloat64(cfg.RTP.BufferFull)
	cfg.RTP.MTU = rtp.Key("net-mtu").MustInt(cfg.RTP.MTU)
	cfg.RTP.UDPFirst = rtp.Key("udp-first").MustInt(cfg.RTP.UDPFirst)
	cfg.RTP.UDPLast = rtp.Key("udp-last").MustInt(cfg.RTP.UDPLast)

	sdp := f.Section("SDP")
	cfg.SDP.BaseDir = sdp.Key("base-dir").MustString(cfg.SDP.BaseDir)
	cfg.SDP.Aggregate = sdp.Key("aggregate").MustBool(cfg.SDP.Aggregate)
	cfg.SDP.ShareDescriptors = sdp.Key("share-descriptors").MustBool(cfg.SDP.ShareDescriptors)

	rtsp := f.Section("RTSP")
	cfg.RTSP.SupportSeek = rtsp.Key("supp-seek").MustBool(cfg.RTSP.SupportSeek)

	rtcp := f.Section("RTCP")
	cfg.RTCP.SendEvery = secondsKey(rtcp, "send-every", cfg.RTCP.SendEvery)
	cfg.RTCP.PollEvery = secondsKey(rtcp, "poll-every", cfg.RTCP.PollEvery)

	srv := f.Section("SERVER")
	cfg.Server.IP = srv.Key("ip").MustString(cfg.Server.IP)
	if cfg.Server.IP == "*" {
		cfg.Server.IP = "0.0.0.0"
	}
	cfg.Server.Port = srv.Key("port").MustInt(cfg.Server.Port)
	cfg.Server.Limit = srv.Key("limit").MustInt(cfg.Server.Limit)
	cfg.Server.ReadTimeout = secondsKey(srv, "read-to", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = secondsKey(srv, "write-to", cfg.Server.WriteTimeout)
	cfg.Server.WriteBuffer = srv.Key("write-buf").MustInt(cfg.Server.WriteBuffer)

	daemon := f.Section("DAEMON")
	cfg.Daemon.PidFile = daemon.Key("pidfile").MustString(cfg.Daemon.PidFile)

	if cfg.RTP.UDPFirst >= cfg.RTP.UDPLast {
		return cfg, fmt.Errorf("config: bad UDP port range %d-%d", cfg.RTP.UDPFirst, cfg.RTP.UDPLast)
	}
	return cfg, nil
}

// secondsKey reads a float seconds value into a duration.
func secondsKey(sec *ini.Section, name string, def time.Duration) time.Duration {
	v := sec.Key(name).MustFloat64(def.Seconds())
	return time.Duration(v * float64(time.Second))
}
