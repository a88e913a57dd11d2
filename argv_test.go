// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import (
	"errors"
	"testing"
)

func TestEncodeArgv_ScalarsAndStrings(t *testing.T) {
	m := NewMessage(1)
	if err := EncodeArgv(m, "%i%s%f", []string{"-5", "hi", "1.5"}); err != nil {
		t.Fatalf("EncodeArgv: %v", err)
	}
	if err := m.Finish(); err != nil {
		t.Fatal(err)
	}
	got, err := m.Decode("%i%s%f")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got[0].(int32) != -5 || got[1].(string) != "hi" || got[2].(float32) != 1.5 {
		t.Fatalf("Decode = %v", got)
	}
}

func TestEncodeArgv_HexConversionUsesBase16(t *testing.T) {
	m := NewMessage(1)
	if err := EncodeArgv(m, "%lx", []string{"ff"}); err != nil {
		t.Fatalf("EncodeArgv: %v", err)
	}
	if err := m.Finish(); err != nil {
		t.Fatal(err)
	}
	got, err := m.Decode("%lx")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].(uint64) != 0xff {
		t.Fatalf("got[0] = %v, want 255", got[0])
	}
}

func TestEncodeArgv_BufferLengthMismatchIsRejected(t *testing.T) {
	m := NewMessage(1)
	err := EncodeArgv(m, "%p%u", []string{"3", "ab"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("EncodeArgv err = %v, want ErrInvalidArgument", err)
	}
}

func TestEncodeArgv_TooFewArgsIsRejected(t *testing.T) {
	m := NewMessage(1)
	if err := EncodeArgv(m, "%i%i", []string{"1"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("EncodeArgv err = %v, want ErrInvalidArgument", err)
	}
}
