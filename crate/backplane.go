// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import "sync"

// noRole marks a backplane role as currently unassigned.
const noRole = -1

// Backplane tracks the three crate-wide singleton roles the P2 backplane
// signals require (spec.md §4.1): exactly one module drives "director"
// (the run-control token), one drives wait-sync-master (the run
// start/stop synchronization clock), and one owns the pullup resistors
// on the shared trigger/veto lines. Losing the current holder of a role
// (it goes offline) reassigns that role to the lowest-numbered online
// module, never leaving it unheld while any module is online.
type Backplane struct {
	mu sync.Mutex

	size int

	director       int
	waitSyncMaster int
	pullupOwner    int
}

func newBackplane(size int) *Backplane {
	return &Backplane{
		size:           size,
		director:       noRole,
		waitSyncMaster: noRole,
		pullupOwner:    noRole,
	}
}

// init assigns all three roles to module 0, the state a freshly
// initialized crate starts in before any module goes offline.
func (b *Backplane) init() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		b.director, b.waitSyncMaster, b.pullupOwner = noRole, noRole, noRole
		return
	}
	b.director, b.waitSyncMaster, b.pullupOwner = 0, 0, 0
}

// reinit reassigns any role whose holder is in offline, or is not in
// online at all, to the lowest-numbered module in online, leaving roles
// held by a module still in online untouched. Boot calls this after every boot round (spec.md
// §4.1's "a role holder that never came online, or that dropped
// offline mid-boot, hands its role to another module").
func (b *Backplane) reinit(online, offline []int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	isOffline := make(map[int]bool, len(offline))
	for _, n := range offline {
		isOffline[n] = true
	}
	isOnline := make(map[int]bool, len(online))
	lowestOnline := noRole
	for _, n := range online {
		isOnline[n] = true
		if lowestOnline == noRole || n < lowestOnline {
			lowestOnline = n
		}
	}

	reassign := func(holder int) int {
		if holder == noRole || isOffline[holder] || !isOnline[holder] {
			return lowestOnline
		}
		return holder
	}
	b.director = reassign(b.director)
	b.waitSyncMaster = reassign(b.waitSyncMaster)
	b.pullupOwner = reassign(b.pullupOwner)
}

func (b *Backplane) Director() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.director
}

func (b *Backplane) WaitSyncMaster() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitSyncMaster
}

func (b *Backplane) PullupOwner() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pullupOwner
}
