// Package kfmt provides a minimal, allocation-free Printf usable before (and
// after) the Go runtime's heap is available. It supports a small subset of
// the verbs understood by the fmt package, which is all the kernel's
// diagnostic output ever needs.
package kfmt

import "io"

const maxNumBufSize = 20

var (
	errMissingArg   = []byte("%!(MISSING)")
	errNoVerb       = []byte("%!(NOVERB)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// earlyBuf retains output written before SetOutputSink is called, so
	// that early boot diagnostics are not lost once the console comes up.
	earlyBuf ringBuffer

	// sink is where Printf output goes. When nil, output accumulates in
	// earlyBuf instead.
	sink io.Writer
)

// SetOutputSink directs future Printf/Fprintf-without-writer output to w and
// flushes anything accumulated in the early ring buffer to it.
func SetOutputSink(w io.Writer) {
	sink = w
	if w != nil {
		io.Copy(w, &earlyBuf)
	}
}

func out() io.Writer {
	if sink != nil {
		return sink
	}
	return &earlyBuf
}

// Printf formats according to a format specifier and writes to the active
// output sink (the early ring buffer until SetOutputSink is called).
func Printf(format string, args ...interface{}) {
	Fprintf(out(), format, args...)
}

// Fprintf formats according to a format specifier and writes to w.
//
// Supported verbs:
//
//	%s  the uninterpreted bytes of a string or []byte
//	%c  a single byte, printed as a character
//	%t  "true" or "false"
//	%o  an integer, base 8
//	%d  an integer, base 10
//	%x  an integer, base 16, lower-case digits
//
// An optional decimal field width may precede the verb (e.g. %16x); values
// narrower than the field are left-padded with spaces, except for %x which
// is zero-padded. Printf does not support %v, %p or %+v: doing so would
// require the reflect package, which allocates and is unavailable this
// early in boot.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex           int
		blockStart, cursor int
		fmtLen             = len(format)
	)

	flush := func(to int) {
		if blockStart < to {
			writeString(w, format[blockStart:to])
		}
	}

	for cursor < fmtLen {
		if format[cursor] != '%' {
			cursor++
			continue
		}

		flush(cursor)
		cursor++
		if cursor >= fmtLen {
			break
		}

		if format[cursor] == '%' {
			writeString(w, "%")
			cursor++
			blockStart = cursor
			continue
		}

		width := 0
		for cursor < fmtLen && format[cursor] >= '0' && format[cursor] <= '9' {
			width = width*10 + int(format[cursor]-'0')
			cursor++
		}

		if cursor >= fmtLen {
			w.Write(errNoVerb)
			break
		}

		verb := format[cursor]
		cursor++
		blockStart = cursor

		if argIndex >= len(args) {
			w.Write(errMissingArg)
			continue
		}
		arg := args[argIndex]
		argIndex++

		switch verb {
		case 's':
			writeStr(w, arg, width)
		case 'c':
			writeByteArg(w, arg)
		case 't':
			writeBool(w, arg)
		case 'o':
			writeInt(w, arg, 8, width, false)
		case 'd':
			writeInt(w, arg, 10, width, false)
		case 'x':
			writeInt(w, arg, 16, width, true)
		default:
			w.Write([]byte{'%', verb})
		}
	}

	flush(fmtLen)
}

func writeString(w io.Writer, s string) {
	w.Write([]byte(s))
}

func writeStr(w io.Writer, arg interface{}, width int) {
	var s string
	switch v := arg.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		w.Write([]byte("%!(WRONGTYPE)"))
		return
	}
	for pad := width - len(s); pad > 0; pad-- {
		w.Write([]byte{' '})
	}
	writeString(w, s)
}

func writeByteArg(w io.Writer, arg interface{}) {
	switch v := arg.(type) {
	case byte:
		w.Write([]byte{v})
	case rune:
		w.Write([]byte{byte(v)})
	default:
		w.Write([]byte("%!(WRONGTYPE)"))
	}
}

func writeBool(w io.Writer, arg interface{}) {
	b, ok := arg.(bool)
	if !ok {
		w.Write([]byte("%!(WRONGTYPE)"))
		return
	}
	if b {
		w.Write(trueValue)
	} else {
		w.Write(falseValue)
	}
}

// toUint64 widens any of the kernel's common integer argument types to a
// uint64, along with whether the original value was negative.
func toUint64(arg interface{}) (value uint64, negative bool, ok bool) {
	switch v := arg.(type) {
	case int:
		return absInt64(int64(v))
	case int8:
		return absInt64(int64(v))
	case int16:
		return absInt64(int64(v))
	case int32:
		return absInt64(int64(v))
	case int64:
		return absInt64(v)
	case uint:
		return uint64(v), false, true
	case uint8:
		return uint64(v), false, true
	case uint16:
		return uint64(v), false, true
	case uint32:
		return uint64(v), false, true
	case uint64:
		return v, false, true
	case uintptr:
		return uint64(v), false, true
	default:
		return 0, false, false
	}
}

func absInt64(v int64) (uint64, bool, bool) {
	if v < 0 {
		return uint64(-v), true, true
	}
	return uint64(v), false, true
}

func writeInt(w io.Writer, arg interface{}, base int, width int, zeroPad bool) {
	value, negative, ok := toUint64(arg)
	if !ok {
		w.Write([]byte("%!(WRONGTYPE)"))
		return
	}

	var buf [maxNumBufSize]byte
	pos := len(buf)
	if value == 0 {
		pos--
		buf[pos] = '0'
	}
	for value > 0 {
		digit := value % uint64(base)
		pos--
		if digit < 10 {
			buf[pos] = '0' + byte(digit)
		} else {
			buf[pos] = 'a' + byte(digit-10)
		}
		value /= uint64(base)
	}

	digits := len(buf) - pos
	signLen := 0
	if negative {
		signLen = 1
	}

	for pad := width - digits - signLen; pad > 0; pad-- {
		if zeroPad {
			if negative && signLen == 1 {
				w.Write([]byte{'-'})
				signLen = 0
			}
			w.Write([]byte{'0'})
		} else {
			w.Write([]byte{' '})
		}
	}
	if negative && signLen == 1 {
		w.Write([]byte{'-'})
	}
	w.Write(buf[pos:])
}
