// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import "strconv"

// Kind identifies the type a single format directive encodes or decodes.
type Kind uint8

const (
	KindI8 Kind = iota
	KindU8
	KindI16
	KindU16
	KindI32
	KindU32
	KindI64
	KindU64
	KindF32
	KindF64
	// KindStr is %s: on encode it copies the caller's string into the wire
	// STR tag; on decode it returns a zero-copy view into the Message's
	// Buffer (the "cstr" behavior).
	KindStr
	// KindStrNew is %ms, decode-only: returns a freshly allocated copy (the
	// "str" behavior). Encoding %ms behaves identically to %s.
	KindStrNew
	// KindBuf is %p%u: on encode it copies the caller's bytes into the wire
	// BUF tag; on decode it returns a zero-copy view (the "cbuf" behavior).
	KindBuf
	// KindBufNew is %lp%lu, decode-only: returns an allocated copy (the "buf"
	// behavior). See DESIGN.md: the grammar gives only one encode/decode
	// pair for buffers, so the length qualifier already used to widen
	// integers is reused here to pick the owning/copying decode variant
	// instead of the borrowing one.
	KindBufNew
	// KindFD is a bare %x with no length qualifier.
	KindFD
)

func (k Kind) String() string {
	switch k {
	case KindI8:
		return "i8"
	case KindU8:
		return "u8"
	case KindI16:
		return "i16"
	case KindU16:
		return "u16"
	case KindI32:
		return "i32"
	case KindU32:
		return "u32"
	case KindI64:
		return "i64"
	case KindU64:
		return "u64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	case KindStr:
		return "str"
	case KindStrNew:
		return "str(alloc)"
	case KindBuf:
		return "buf"
	case KindBufNew:
		return "buf(alloc)"
	case KindFD:
		return "fd"
	default:
		return "unknown"
	}
}

// Directive is one parsed "%..." group from a format string.
type Directive struct {
	Kind Kind
	// Hex is set for the 'x' integer conversion: EncodeArgv parses the
	// matching argv string in base 16.
	Hex bool
}

// wordWidthBits resolves the host word size for 'l' on an integer
// conversion: 32 bits on a 32-bit host, 64 bits otherwise. strconv.IntSize
// already reports exactly this per-GOARCH, so there is no need for
// architecture-specific build-tag files here (see DESIGN.md for the
// full reasoning).
func wordWidthBits() int { return strconv.IntSize }

// Scan tokenizes a printf/scanf-subset format string into directives, in the
// order the codec must consume them. It is a single pass, lazy only in the
// sense that it does no lookahead beyond one directive's length qualifier
// and, for %p, the following %u.
func Scan(format string) ([]Directive, error) {
	var out []Directive
	runes := []rune(format)
	i := 0
	n := len(runes)

	skipSpace := func() {
		for i < n && isFormatSpace(runes[i]) {
			i++
		}
	}

	for {
		skipSpace()
		if i >= n {
			break
		}
		if runes[i] != '%' {
			return nil, wireErr("scan", ErrInvalidFormat, nil)
		}
		i++
		if i >= n {
			return nil, wireErr("scan", ErrInvalidFormat, nil)
		}

		width, wasLong := scanLength(runes, &i)
		if i >= n {
			return nil, wireErr("scan", ErrInvalidFormat, nil)
		}
		conv := runes[i]
		i++

		switch conv {
		case 'i', 'd':
			out = append(out, Directive{Kind: intKind(width, wasLong, true)})
		case 'u':
			out = append(out, Directive{Kind: intKind(width, wasLong, false)})
		case 'x':
			if width == lenNone {
				out = append(out, Directive{Kind: KindFD})
			} else {
				out = append(out, Directive{Kind: intKind(width, wasLong, false), Hex: true})
			}
		case 'f', 'F', 'g', 'G', 'e', 'E':
			out = append(out, Directive{Kind: floatKind(width, wasLong)})
		case 's':
			out = append(out, Directive{Kind: KindStr})
		case 'm':
			if i >= n || runes[i] != 's' {
				return nil, wireErr("scan", ErrInvalidFormat, nil)
			}
			i++
			out = append(out, Directive{Kind: KindStrNew})
		case 'p':
			skipSpace()
			if i >= n || runes[i] != '%' {
				return nil, wireErr("scan", ErrInvalidFormat, nil)
			}
			i++
			uwidth, uLong := scanLength(runes, &i)
			_ = uwidth
			if i >= n || runes[i] != 'u' {
				return nil, wireErr("scan", ErrInvalidFormat, nil)
			}
			i++
			if wasLong || uLong {
				out = append(out, Directive{Kind: KindBufNew})
			} else {
				out = append(out, Directive{Kind: KindBuf})
			}
		default:
			return nil, wireErr("scan", ErrInvalidFormat, nil)
		}
	}
	return out, nil
}

type lenQual uint8

const (
	lenNone lenQual = iota
	lenHH
	lenH
	lenL
	lenLL
)

// scanLength consumes an optional hh/h/l/ll qualifier starting at *i,
// advancing *i past it. wasLong reports whether a single 'l' (not 'll') was
// seen, since that is the qualifier with host-word-size-dependent meaning.
func scanLength(runes []rune, i *int) (q lenQual, wasLong bool) {
	n := len(runes)
	if *i >= n {
		return lenNone, false
	}
	switch runes[*i] {
	case 'h':
		*i++
		if *i < n && runes[*i] == 'h' {
			*i++
			return lenHH, false
		}
		return lenH, false
	case 'l':
		*i++
		if *i < n && runes[*i] == 'l' {
			*i++
			return lenLL, false
		}
		return lenL, true
	default:
		return lenNone, false
	}
}

func intKind(width lenQual, wasLong, signed bool) Kind {
	switch width {
	case lenHH:
		if signed {
			return KindI8
		}
		return KindU8
	case lenH:
		if signed {
			return KindI16
		}
		return KindU16
	case lenL:
		if wordWidthBits() == 32 {
			if signed {
				return KindI32
			}
			return KindU32
		}
		if signed {
			return KindI64
		}
		return KindU64
	case lenLL:
		if signed {
			return KindI64
		}
		return KindU64
	default: // lenNone
		if signed {
			return KindI32
		}
		return KindU32
	}
}

// floatKind maps a length qualifier to a float width. Only two widths exist,
// so hh/h collapse to 32-bit and l/ll collapse to 64-bit.
func floatKind(width lenQual, wasLong bool) Kind {
	_ = wasLong
	switch width {
	case lenL, lenLL:
		return KindF64
	default:
		return KindF32
	}
}

func isFormatSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}
