// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sdkconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFallsBackToDefaultsWithoutAFile(t *testing.T) {
	cfg, ok, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %+v", err)
	}
	if ok {
		t.Fatalf("expected ok=false with no config file present")
	}
	if cfg.NumSlots != 13 {
		t.Fatalf("got num_slots=%d, want default 13", cfg.NumSlots)
	}
	if cfg.FifoBuffers != 100 {
		t.Fatalf("got fifo_buffers=%d, want default 100", cfg.FifoBuffers)
	}
}

func TestLoadReadsOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	doc := []byte("num_slots = 5\nfifo_buffers = 20\n")
	if err := os.WriteFile(filepath.Join(dir, "pixie16.toml"), doc, 0o644); err != nil {
		t.Fatalf("write temp config: %+v", err)
	}

	cfg, ok, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %+v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true with a config file present")
	}
	if cfg.NumSlots != 5 {
		t.Fatalf("got num_slots=%d, want 5", cfg.NumSlots)
	}
	if cfg.FifoBuffers != 20 {
		t.Fatalf("got fifo_buffers=%d, want 20", cfg.FifoBuffers)
	}
	if cfg.CalibrationSettleWait != 250*time.Millisecond {
		t.Fatalf("got calibration_settle_wait=%s, want default 250ms", cfg.CalibrationSettleWait)
	}
}
