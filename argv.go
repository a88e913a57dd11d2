// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import (
	"os"
	"strconv"
)

// EncodeArgv is the string-form encoder a CLI/ping-style tool would build on
// to turn command-line arguments into a Message. Each directive consumes
// one argv string (two, for a buffer directive: a decimal length followed by
// the raw bytes), parsed with a type-specific rule:
//
//   - integers: base 0 (accepts a leading "0x") unless the directive came
//     from a hex conversion ('x' with a length qualifier), which forces
//     base 16; bare %x (fd) is always base 10.
//   - floats: strconv.ParseFloat, which is already locale-independent.
//   - %p%u: argv[i] is a decimal byte length, argv[i+1] is the raw payload;
//     a mismatched length is ErrInvalidArgument.
func EncodeArgv(m *Message, format string, argv []string) error {
	directives, err := Scan(format)
	if err != nil {
		return err
	}
	vals := make([]any, 0, len(directives))
	i := 0
	next := func() (string, error) {
		if i >= len(argv) {
			return "", wireErr("encode_argv", ErrInvalidArgument, nil)
		}
		s := argv[i]
		i++
		return s, nil
	}

	for _, d := range directives {
		switch d.Kind {
		case KindI8, KindI16, KindI32, KindI64:
			s, err := next()
			if err != nil {
				return err
			}
			base := 0
			if d.Hex {
				base = 16
			}
			n, err := strconv.ParseInt(s, base, bitsFor(d.Kind))
			if err != nil {
				return wireErr("encode_argv", ErrInvalidArgument, err)
			}
			vals = append(vals, narrowSigned(d.Kind, n))
		case KindU8, KindU16, KindU32, KindU64:
			s, err := next()
			if err != nil {
				return err
			}
			base := 0
			if d.Hex {
				base = 16
			}
			n, err := strconv.ParseUint(s, base, bitsFor(d.Kind))
			if err != nil {
				return wireErr("encode_argv", ErrInvalidArgument, err)
			}
			vals = append(vals, narrowUnsigned(d.Kind, n))
		case KindF32:
			s, err := next()
			if err != nil {
				return err
			}
			f, err := strconv.ParseFloat(s, 32)
			if err != nil {
				return wireErr("encode_argv", ErrInvalidArgument, err)
			}
			vals = append(vals, float32(f))
		case KindF64:
			s, err := next()
			if err != nil {
				return err
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return wireErr("encode_argv", ErrInvalidArgument, err)
			}
			vals = append(vals, f)
		case KindStr, KindStrNew:
			s, err := next()
			if err != nil {
				return err
			}
			vals = append(vals, s)
		case KindBuf, KindBufNew:
			lenStr, err := next()
			if err != nil {
				return err
			}
			body, err := next()
			if err != nil {
				return err
			}
			l, err := strconv.Atoi(lenStr)
			if err != nil {
				return wireErr("encode_argv", ErrInvalidArgument, err)
			}
			if l != len(body) {
				return wireErr("encode_argv", ErrInvalidArgument, nil)
			}
			vals = append(vals, []byte(body))
		case KindFD:
			s, err := next()
			if err != nil {
				return err
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return wireErr("encode_argv", ErrInvalidArgument, err)
			}
			vals = append(vals, os.NewFile(uintptr(n), "fd"))
		default:
			return wireErr("encode_argv", ErrInvalidArgument, nil)
		}
	}
	return m.Encode(format, vals...)
}

func bitsFor(k Kind) int {
	switch k {
	case KindI8, KindU8:
		return 8
	case KindI16, KindU16:
		return 16
	case KindI32, KindU32:
		return 32
	default:
		return 64
	}
}

func narrowSigned(k Kind, n int64) any {
	switch k {
	case KindI8:
		return int8(n)
	case KindI16:
		return int16(n)
	case KindI32:
		return int32(n)
	default:
		return n
	}
}

func narrowUnsigned(k Kind, n uint64) any {
	switch k {
	case KindU8:
		return uint8(n)
	case KindU16:
		return uint16(n)
	case KindU32:
		return uint32(n)
	default:
		return n
	}
}
