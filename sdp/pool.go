// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sdp

import "sync"

// Pool is the process wide descriptor cache used when descriptor sharing is
// enabled. A reference count per file governs the container lifetime; the
// last release closes it.
type Pool struct {
	mu      sync.Mutex
	baseDir string
	entries map[string]*poolEntry
}

type poolEntry struct {
	cnt  *Container
	refs int
}

func NewPool(baseDir string) *Pool {
	return &Pool{baseDir: baseDir, entries: map[string]*poolEntry{}}
}

// Acquire loads the descriptor on first use and bumps its reference count.
// Shared containers retain sent frames, other readers may be behind.
func (p *Pool) Acquire(fileName string) (*Container, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[fileName]; ok {
		e.refs++
		return e.cnt, nil
	}
	cnt, err := OpenContainer(p.baseDir, fileName)
	if err != nil {
		return nil, err
	}
	cnt.SetRetain(true)
	p.entries[fileName] = &poolEntry{cnt: cnt, refs: 1}
	return cnt, nil
}

// Release drops one reference; the last one closes the container.
func (p *Pool) Release(fileName string) {
	p.mu.Lock()
	e, ok := p.entries[fileName]
	if ok {
		e.refs--
		if e.refs <= 0 {
			delete(p.entries, fileName)
		}
	}
	p.mu.Unlock()

	if ok && e.refs <= 0 {
		e.cnt.Close()
	}
}

// Refs exposes the reference count of a file, zero when unloaded.
func (p *Pool) Refs(fileName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[fileName]; ok {
		return e.refs
	}
	return 0
}
