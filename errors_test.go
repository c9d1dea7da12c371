// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pixie16

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := NewModuleError(KindModuleOffline, 2, 5, "read_var on offline module")
	want := "pixie16: module=2 slot=5: module_offline: read_var on offline module"
	if got := err.Error(); got != want {
		t.Fatalf("got=%q, want=%q", got, want)
	}
}

func TestErrorUnwrap(t *testing.T) {
	root := errors.New("bus timeout")
	err := Wrap(KindHardwareFailure, 1, 2, root)
	if !errors.Is(err, root) {
		t.Fatalf("expected wrapped error to satisfy errors.Is")
	}
}

func TestKindOf(t *testing.T) {
	err := NewError(KindInvalidValue, "bad value")
	kind, ok := KindOf(err)
	if !ok || kind != KindInvalidValue {
		t.Fatalf("got kind=%v ok=%v, want=%v true", kind, ok, KindInvalidValue)
	}

	_, ok = KindOf(fmt.Errorf("plain error"))
	if ok {
		t.Fatalf("expected ok=false for a non-*Error")
	}

	if _, ok := KindOf(nil); ok {
		t.Fatalf("expected ok=false for nil error")
	}
}
