// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sbinet/pmon"

	"github.com/go-pixie/pixie16/bus"
	"github.com/go-pixie/pixie16/crate/internal/regs"
)

// pmonFreq is how often the worker's resource monitor samples CPU/RSS,
// the way cmd/daq-boot samples its supervised processes.
const pmonFreq = 1 * time.Second

// FIFO pump tunables (spec.md §5). defaultFifoBuffers bounds the buffer
// pool; defaultRunWait/defaultIdleWait/defaultHoldTime govern the
// worker's polling cadence and partial-buffer flush delay.
const (
	defaultFifoBuffers = 100
	defaultBufWords    = bus.MaxDMABlockSize

	defaultRunWait  = 5 * time.Millisecond
	defaultIdleWait = 150 * time.Millisecond
	defaultHoldTime = 100 * time.Millisecond
)

// fifoBuffer is one fixed-size word buffer in the pool; n is the number
// of valid words currently held (< len(words) while still being filled).
type fifoBuffer struct {
	words []uint32
	n     int
}

// FifoPump drains a module's list-mode FIFO into a bounded pool of
// fixed-size buffers on a background worker, adaptively backing off its
// polling rate when the run is idle (spec.md §5). At any moment every
// buffer is in exactly one of three places: the free pool, the filled
// queue awaiting a reader, or in flight as the worker's partial buffer;
// |free|+|filled|+|partial present| == fifoBuffers always.
type FifoPump struct {
	mu sync.Mutex

	m          *Module
	bufWords   int
	fifoBuffers int

	free   []*fifoBuffer
	filled []*fifoBuffer

	runWait  time.Duration
	idleWait time.Duration
	holdTime time.Duration

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	overflows int
	onOverflow func(dropped int)

	log     *log.Logger
	monitor *pmon.Process
}

// NewFifoPump builds a pump with defaultFifoBuffers buffers of
// defaultBufWords words each.
func NewFifoPump(m *Module, logger *log.Logger) *FifoPump {
	if logger == nil {
		logger = log.Default()
	}
	free := make([]*fifoBuffer, defaultFifoBuffers)
	for i := range free {
		free[i] = &fifoBuffer{words: make([]uint32, defaultBufWords)}
	}
	return &FifoPump{
		m:           m,
		bufWords:    defaultBufWords,
		fifoBuffers: defaultFifoBuffers,
		free:        free,
		runWait:     defaultRunWait,
		idleWait:    defaultIdleWait,
		holdTime:    defaultHoldTime,
		log:         logger,
	}
}

// SetOverflowHandler registers a callback invoked whenever queue
// compaction sacrifices an undelivered buffer to keep the worker from
// stalling (spec.md §5's FIFO-overflow event).
func (p *FifoPump) SetOverflowHandler(fn func(dropped int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onOverflow = fn
}

// Start launches the background worker. Starting an already-running
// pump is a no-op.
func (p *FifoPump) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	if mon, err := pmon.Monitor(os.Getpid()); err == nil {
		mon.W = io.Discard
		mon.Freq = pmonFreq
		p.monitor = mon
		go func() {
			if err := mon.Run(); err != nil {
				p.log.Printf("fifo pump: resource monitor stopped: %+v", err)
			}
		}()
	}
	go p.run(p.stopCh, p.doneCh)
}

// Stop signals the worker to flush any partial buffer and exit, and
// waits for it to do so. Stopping a pump that isn't running is a no-op.
func (p *FifoPump) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh

	p.mu.Lock()
	p.running = false
	mon := p.monitor
	p.monitor = nil
	p.mu.Unlock()

	if mon != nil {
		if err := mon.Kill(); err != nil {
			p.log.Printf("fifo pump: could not stop resource monitor: %+v", err)
		}
	}
}

// RunEnd is an alias for Stop, named for the cooperative-termination
// call site spec.md §5 uses: the caller ending a data run, as opposed to
// tearing the module down entirely.
func (p *FifoPump) RunEnd() { p.Stop() }

func (p *FifoPump) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	var partial *fifoBuffer
	var partialSince time.Time
	wait := p.runWait

	for {
		select {
		case <-stopCh:
			if partial != nil && partial.n > 0 {
				p.enqueueFilled(partial)
			}
			return
		default:
		}

		runTaskVal, rerr := p.m.readWord(regs.ModuleVars["RunTask"].Addr)
		runActive := rerr == nil && runTaskVal != regs.RunTaskIdle

		level, err := p.m.ReadVar("NumEventsInFIFO", true)
		if err != nil {
			time.Sleep(p.idleWait)
			continue
		}
		avail := int(level)

		if avail == 0 {
			if partial != nil && partial.n > 0 && time.Since(partialSince) >= p.holdTime {
				p.enqueueFilled(partial)
				partial = nil
			}
			if runActive {
				wait = p.runWait
			} else if wait < p.idleWait {
				wait *= 2
				if wait > p.idleWait {
					wait = p.idleWait
				}
			}
			time.Sleep(wait)
			continue
		}
		wait = p.runWait

		if partial == nil {
			var ok bool
			partial, ok = p.acquireFree()
			if !ok {
				p.compact()
				partial, ok = p.acquireFree()
				if !ok {
					time.Sleep(wait)
					continue
				}
			}
			partial.n = 0
			partialSince = time.Now()
		}

		room := len(partial.words) - partial.n
		toRead := avail
		if toRead > room {
			toRead = room
		}
		if toRead > 0 {
			if err := p.m.dmaRead(regs.ModuleVars["HostIO"].Addr, partial.words[partial.n:partial.n+toRead]); err != nil {
				time.Sleep(wait)
				continue
			}
			partial.n += toRead
		}
		if partial.n == len(partial.words) {
			p.enqueueFilled(partial)
			partial = nil
		}
	}
}

func (p *FifoPump) acquireFree() (*fifoBuffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return b, true
}

func (p *FifoPump) enqueueFilled(b *fifoBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filled = append(p.filled, b)
}

// compact sacrifices the oldest undelivered filled buffer, recycling it
// to the free pool so the worker can keep draining the hardware FIFO
// instead of stalling when the reader falls behind.
func (p *FifoPump) compact() {
	p.mu.Lock()
	if len(p.filled) == 0 {
		p.mu.Unlock()
		return
	}
	dropped := p.filled[0]
	p.filled = p.filled[1:]
	dropped.n = 0
	p.free = append(p.free, dropped)
	p.overflows++
	handler := p.onOverflow
	p.mu.Unlock()

	if handler != nil {
		handler(1)
	}
}

// ReadListMode copies the oldest filled buffer's words into dest,
// returning the number of words copied. It never blocks: if no filled
// buffer is ready it returns 0, nil. dest must be at least bufWords
// long.
func (p *FifoPump) ReadListMode(dest []uint32) (int, error) {
	p.mu.Lock()
	if len(p.filled) == 0 {
		p.mu.Unlock()
		return 0, nil
	}
	b := p.filled[0]
	p.filled = p.filled[1:]
	p.mu.Unlock()

	n := copy(dest, b.words[:b.n])

	p.mu.Lock()
	b.n = 0
	p.free = append(p.free, b)
	p.mu.Unlock()

	return n, nil
}

// ReadListModeLevel reports how many words are currently queued across
// every filled buffer, without consuming any of them.
func (p *FifoPump) ReadListModeLevel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, b := range p.filled {
		total += b.n
	}
	return total
}

// Overflows returns the number of buffers sacrificed by queue
// compaction since the pump started.
func (p *FifoPump) Overflows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overflows
}
