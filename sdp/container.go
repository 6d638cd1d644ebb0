// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sdp

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drubbo/kinoglaz-sub001/demux"
	"github.com/drubbo/kinoglaz-sub001/media"
)

// Container is one loaded media descriptor: the media of a container file
// plus the background demux goroutine feeding their frame stores.
type Container struct {
	fileName string
	path     string
	duration float64

	mu    sync.Mutex
	media []*media.Medium

	dmx     demux.Demuxer
	running bool
	wg      sync.WaitGroup

	log zerolog.Logger
}

// OpenContainer loads the descriptor and starts decoding. The first open of
// a file triggers the demux goroutine; media frame stores fill until end of
// container or Close.
func OpenContainer(baseDir, fileName string) (*Container, error) {
	path := filepath.Join(baseDir, fileName)
	dmx, err := demux.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sdp: unable to open %s: %w", fileName, err)
	}

	c := &Container{
		fileName: fileName,
		path:     path,
		dmx:      dmx,
		log:      log.With().Str("comp", "sdp").Str("file", fileName).Logger(),
	}

	for _, si := range dmx.Streams() {
		codec, ok := media.CodecByID(si.Codec)
		if !ok {
			dmx.Close()
			return nil, fmt.Errorf("sdp: unsupported codec %q in %s", si.Codec, fileName)
		}
		m := media.NewMedium(media.MediumInfo{
			Kind:        si.Kind,
			Codec:       si.Codec,
			PayloadType: codec.PayloadType,
			ClockRate:   si.ClockRate,
			Channels:    si.Channels,
			ExtraData:   si.ExtraData,
			Duration:    si.Duration,
			TimeBase:    si.TimeBase,
			FileName:    fileName,
			Index:       si.Index,
		})
		c.media = append(c.media, m)
		if si.Duration > c.duration {
			c.duration = si.Duration
		}
	}

	c.running = true
	c.wg.Add(1)
	go c.demuxLoop()
	return c, nil
}

// demuxLoop pushes frames into the per-stream stores until end of file or
// teardown, then finalizes every frame count.
func (c *Container) demuxLoop() {
	defer c.wg.Done()
	c.log.Debug().Msg("Demux loop started")

	// layer III audio is re-cut into ADUs on the way in
	segmenters := map[int]*media.ADUSegmenter{}
	for _, m := range c.media {
		if m.Codec() == media.CodecMP3ADU {
			segmenters[m.Index()] = &media.ADUSegmenter{}
		}
	}

	for {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			break
		}

		rec, err := c.dmx.ReadFrame()
		if err != nil {
			if err != io.EOF {
				c.log.Warn().Err(err).Msg("Demux read failed")
			}
			break
		}
		m := c.mediumByIndex(rec.StreamIndex)
		if m == nil || len(rec.Data) == 0 {
			c.log.Warn().Int("stream", rec.StreamIndex).Int("size", len(rec.Data)).Msg("Skipping frame")
			continue
		}

		f := &media.Frame{Time: rec.Time, Data: rec.Data, Key: rec.Key}
		if m.Kind() != media.KindVideo {
			// every audio frame is a valid seek target
			f.Key = true
		}

		if seg := segmenters[m.Index()]; seg != nil {
			if adu := seg.Push(f); adu != nil {
				adu.Key = true
				m.AddFrame(adu)
			}
			continue
		}
		m.AddFrame(f)
	}

	for _, m := range c.media {
		if seg := segmenters[m.Index()]; seg != nil {
			if adu := seg.Flush(); adu != nil {
				adu.Key = true
				m.AddFrame(adu)
			}
		}
		m.FinalizeFrameCount()
	}
	c.dmx.Close()
	c.log.Debug().Msg("Demux loop ended")
}

func (c *Container) mediumByIndex(i int) *media.Medium {
	for _, m := range c.media {
		if m.Index() == i {
			return m
		}
	}
	return nil
}

func (c *Container) FileName() string { return c.fileName }

func (c *Container) Duration() float64 { return c.duration }

// Media returns the tracks in container order.
func (c *Container) Media() []*media.Medium {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*media.Medium(nil), c.media...)
}

// Medium returns the track with the given container index.
func (c *Container) Medium(index int) (*media.Medium, error) {
	if m := c.mediumByIndex(index); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("sdp: no track %d in %s", index, c.fileName)
}

// Loop makes every track repeat n times; 0 means forever.
func (c *Container) Loop(n int) {
	for _, m := range c.media {
		m.Loop(n)
	}
}

// SetRetain keeps sent frames in memory, required for shared descriptors.
func (c *Container) SetRetain(v bool) {
	for _, m := range c.media {
		m.SetRetain(v)
	}
}

// Close stops the demux goroutine and waits for the frame stores to lose
// their cursors.
func (c *Container) Close() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.wg.Wait()
	for _, m := range c.media {
		m.Close()
	}
}
