// Package tracedump exports the kernel trace buffer, as text for humans or as
// a checksummed binary image that can also be wrapped in Intel HEX, the way
// firmware images are handed to flashing tools.
package tracedump

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/gofrs/flock"
	"github.com/marcinbor85/gohex"
	"github.com/sigurn/crc16"

	"github.com/tinygo-org/rtkernel/kernel"
)

// Format of an exported trace.
type Format int

const (
	Text Format = iota
	Binary
	Hex
)

var formatNames = map[string]Format{
	"text": Text,
	"bin":  Binary,
	"hex":  Hex,
}

// ParseFormat returns the format named by s: text, bin or hex.
func ParseFormat(s string) (Format, error) {
	f, ok := formatNames[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown trace format %q (expected text, bin or hex)", s)
	}
	return f, nil
}

// FormatForFile picks a format from the extension of path.
func FormatForFile(path string) Format {
	switch {
	case strings.HasSuffix(path, ".hex"):
		return Hex
	case strings.HasSuffix(path, ".bin"):
		return Binary
	}
	return Text
}

// Binary image layout, all integers little endian:
//
//	magic   [4]byte "RTTR"
//	version uint8
//	count   uint16
//	records, each:
//	    kind, state uint8
//	    time        uint32
//	    msg         int32
//	    a, b        uint32
//	    thread, other: uint8 length + bytes
//	crc     uint16 CRC-16/XMODEM of everything before it
var magic = [4]byte{'R', 'T', 'T', 'R'}

const version = 1

// Maximum length of a name in a record.
const maxName = 255

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

var (
	ErrBadMagic = errors.New("tracedump: not a trace image")
	ErrChecksum = errors.New("tracedump: checksum mismatch")
)

// WriteText writes one line per event.
func WriteText(w io.Writer, events []kernel.TraceEvent) error {
	for _, e := range events {
		if _, err := fmt.Fprintln(w, e); err != nil {
			return err
		}
	}
	return nil
}

// EncodeBinary returns the binary image of events. An image holds at most
// kernel.MaxTraceBuffer events, older events beyond that are left out.
func EncodeBinary(events []kernel.TraceEvent) []byte {
	if len(events) > kernel.MaxTraceBuffer {
		events = events[len(events)-kernel.MaxTraceBuffer:]
	}
	buf := &bytes.Buffer{}
	buf.Write(magic[:])
	buf.WriteByte(version)
	binary.Write(buf, binary.LittleEndian, uint16(len(events)))
	for _, e := range events {
		buf.WriteByte(byte(e.Kind))
		buf.WriteByte(byte(e.State))
		binary.Write(buf, binary.LittleEndian, uint32(e.Time))
		binary.Write(buf, binary.LittleEndian, int32(e.Msg))
		binary.Write(buf, binary.LittleEndian, e.A)
		binary.Write(buf, binary.LittleEndian, e.B)
		writeName(buf, e.Thread)
		writeName(buf, e.Other)
	}
	binary.Write(buf, binary.LittleEndian, crc16.Checksum(buf.Bytes(), crcTable))
	return buf.Bytes()
}

func writeName(buf *bytes.Buffer, s string) {
	if len(s) > maxName {
		n := maxName
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

// DecodeBinary parses an image produced by EncodeBinary.
func DecodeBinary(data []byte) ([]kernel.TraceEvent, error) {
	if len(data) < len(magic)+1+2+2 || !bytes.Equal(data[:len(magic)], magic[:]) {
		return nil, ErrBadMagic
	}
	body, sum := data[:len(data)-2], binary.LittleEndian.Uint16(data[len(data)-2:])
	if crc16.Checksum(body, crcTable) != sum {
		return nil, ErrChecksum
	}
	if v := body[len(magic)]; v != version {
		return nil, fmt.Errorf("tracedump: unsupported version %d", v)
	}

	r := bytes.NewReader(body[len(magic)+1:])
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	events := make([]kernel.TraceEvent, 0, count)
	for i := 0; i < int(count); i++ {
		var rec struct {
			Kind, State uint8
			Time        uint32
			Msg         int32
			A, B        uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("tracedump: record %d: %w", i, err)
		}
		thread, err := readName(r)
		if err != nil {
			return nil, fmt.Errorf("tracedump: record %d: %w", i, err)
		}
		other, err := readName(r)
		if err != nil {
			return nil, fmt.Errorf("tracedump: record %d: %w", i, err)
		}
		events = append(events, kernel.TraceEvent{
			Kind:   kernel.TraceKind(rec.Kind),
			Time:   kernel.SysTime(rec.Time),
			Thread: thread,
			Other:  other,
			State:  kernel.State(rec.State),
			Msg:    kernel.Msg(rec.Msg),
			A:      rec.A,
			B:      rec.B,
		})
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("tracedump: %d trailing bytes", r.Len())
	}
	return events, nil
}

func readName(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", err
	}
	return string(name), nil
}

// WriteHex writes the binary image of events as Intel HEX, loaded at
// address.
func WriteHex(w io.Writer, events []kernel.TraceEvent, address uint32) error {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(address, EncodeBinary(events)); err != nil {
		return err
	}
	return mem.DumpIntelHex(w, 16)
}

// ReadHex reads back an image written by WriteHex.
func ReadHex(r io.Reader) ([]kernel.TraceEvent, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("tracedump: %w", err)
	}
	segments := mem.GetDataSegments()
	if len(segments) != 1 {
		return nil, fmt.Errorf("tracedump: expected one data segment, got %d", len(segments))
	}
	return DecodeBinary(segments[0].Data)
}

// Write writes events to w in the given format.
func Write(w io.Writer, format Format, events []kernel.TraceEvent) error {
	switch format {
	case Binary:
		_, err := w.Write(EncodeBinary(events))
		return err
	case Hex:
		return WriteHex(w, events, 0)
	default:
		return WriteText(w, events)
	}
}

// WriteFile writes events to path. The file is locked while it is written so
// that concurrent dumps of the same system do not interleave.
func WriteFile(path string, format Format, events []kernel.TraceEvent) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("could not lock %s: %w", path, err)
	}
	defer lock.Unlock()

	buf := &bytes.Buffer{}
	if err := Write(buf, format, events); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o666)
}
