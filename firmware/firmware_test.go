// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package firmware

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/go-pixie/pixie16/firmware/internal/fakefirmwaredb"
)

func TestRegistrySetGet(t *testing.T) {
	reg := NewRegistry()
	tag := Tag{Revision: 'H', AdcMSPS: 100, AdcBits: 14}

	if _, ok := reg.Get(tag, KindDSP); ok {
		t.Fatalf("expected no image bound yet")
	}

	reg.Set(tag, KindDSP, []byte{1, 2, 3})
	img, ok := reg.Get(tag, KindDSP)
	if !ok {
		t.Fatalf("expected image to be bound")
	}
	if len(img) != 3 || img[0] != 1 {
		t.Fatalf("got=%v, want=[1 2 3]", img)
	}

	tags := reg.Tags()
	if len(tags) != 1 || tags[0] != tag {
		t.Fatalf("got tags=%v, want=[%v]", tags, tag)
	}
}

func TestSQLRegistryGet(t *testing.T) {
	fakefirmwaredb.Stage(fakefirmwaredb.Rows{
		Names: []string{"image"},
		Values: [][]driver.Value{
			{[]byte{0xde, 0xad, 0xbe, 0xef}},
		},
	})

	reg, err := openSQLRegistry("fakefirmwaredb", "fake-dsn", "firmware")
	if err != nil {
		t.Fatalf("open: %+v", err)
	}
	defer reg.Close()

	img, err := reg.Get(context.Background(), Tag{Revision: 'H', AdcMSPS: 100, AdcBits: 14}, KindDSP)
	if err != nil {
		t.Fatalf("get: %+v", err)
	}
	if len(img) != 4 || img[0] != 0xde {
		t.Fatalf("got=%v, want=[0xde 0xad 0xbe 0xef]", img)
	}
}

func TestSQLRegistryGetNotFound(t *testing.T) {
	fakefirmwaredb.Stage(fakefirmwaredb.Rows{
		Names:  []string{"image"},
		Values: nil,
	})

	reg, err := openSQLRegistry("fakefirmwaredb", "fake-dsn", "firmware")
	if err != nil {
		t.Fatalf("open: %+v", err)
	}
	defer reg.Close()

	_, err = reg.Get(context.Background(), Tag{Revision: 'H', AdcMSPS: 100, AdcBits: 14}, KindDSP)
	if err == nil {
		t.Fatalf("expected error for missing image")
	}
}
