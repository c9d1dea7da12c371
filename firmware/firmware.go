// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package firmware holds the firmware registry and loader interface a
// Crate consumes to bind and push firmware images to modules. Firmware
// image parsing itself is an external collaborator; this package only
// specifies the Loader surface Module.Boot calls, plus a registry keyed by
// hardware tag that Crate.SetFirmware populates.
package firmware // import "github.com/go-pixie/pixie16/firmware"

import (
	"fmt"
	"sync"
)

// Kind identifies which of a module's three programmable logic devices
// (or its variable descriptor table) an image targets.
type Kind uint8

const (
	KindComms Kind = iota
	KindFippi
	KindDSP
	KindVar
)

func (k Kind) String() string {
	switch k {
	case KindComms:
		return "comms"
	case KindFippi:
		return "fippi"
	case KindDSP:
		return "dsp"
	case KindVar:
		return "var"
	default:
		return "unknown"
	}
}

// Tag identifies a firmware set: the hardware revision tag (A..L) together
// with the ADC sampling rate (Msps) and resolution (bits) of the module it
// targets, mirroring the crate revision fields spec.md's data model
// attaches to a Module.
type Tag struct {
	Revision byte
	AdcMSPS  uint32
	AdcBits  uint32
}

func (t Tag) String() string {
	return fmt.Sprintf("rev=%c/%dmsps/%dbit", t.Revision, t.AdcMSPS, t.AdcBits)
}

// Loader is the interface Module.Boot uses to push one firmware image for
// one of its programmable logic devices. The actual image bytes (and how
// they were parsed from a file, a database BLOB, or anywhere else) are the
// caller's concern.
type Loader interface {
	Load(moduleNumber int, kind Kind, image []byte) error
}

// Registry binds a Tag to the four image kinds a module of that tag needs.
// It is read-only after Crate.SetFirmware populates it: read concurrency is
// safe, writes are serialized by the registry's own lock (the Crate itself
// additionally serializes SetFirmware under its crate lock).
type Registry struct {
	mu     sync.RWMutex
	images map[Tag]map[Kind][]byte
}

// NewRegistry returns an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{images: make(map[Tag]map[Kind][]byte)}
}

// Set binds one image to (tag, kind), overwriting any previous binding.
func (r *Registry) Set(tag Tag, kind Kind, image []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.images[tag]
	if !ok {
		m = make(map[Kind][]byte)
		r.images[tag] = m
	}
	m[kind] = image
}

// Get returns the image bound to (tag, kind), if any.
func (r *Registry) Get(tag Tag, kind Kind) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.images[tag]
	if !ok {
		return nil, false
	}
	img, ok := m[kind]
	return img, ok
}

// Tags returns the set of tags currently bound, in no particular order.
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]Tag, 0, len(r.images))
	for t := range r.images {
		tags = append(tags, t)
	}
	return tags
}
