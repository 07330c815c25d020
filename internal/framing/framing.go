// Package framing implements the length-delimited envelope that wraps every
// protocol.Request/protocol.Response on the wire (spec.md §4.2):
//
//	4 bytes  magic "SCB1"
//	2 bytes  version, little-endian (current: VERSION)
//	4 bytes  payload length, little-endian
//	N bytes  payload
//
// Generalizes the teacher's proto.WriteFrame/ReadFrame — which already frame
// a byte payload behind a type byte and a 4-byte length — into the
// magic+version+length envelope this protocol needs, plus the resync
// scanner the teacher's socket-only framing never required.
package framing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the 4-byte sentinel every frame begins with.
var Magic = [4]byte{'S', 'C', 'B', '1'}

// VERSION is the current frame format version. Any change to the encoding
// contract in internal/protocol or to this envelope requires bumping it.
const VERSION uint16 = 2

const headerLen = 4 + 2 + 4 // magic + version + length

// ErrInvalidMagic is returned in strict mode when the first 4 bytes read are
// not Magic.
var ErrInvalidMagic = errors.New("framing: invalid magic")

// ErrMagicNotFound is returned by resync mode when the scan cap is exceeded
// without finding Magic.
var ErrMagicNotFound = errors.New("framing: magic not found within scan cap")

// UnsupportedVersionError is returned when a frame's version byte doesn't
// match VERSION.
type UnsupportedVersionError struct{ Version uint16 }

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("framing: unsupported version %d", e.Version)
}

// PayloadTooLargeError is returned when a frame's declared length exceeds the
// caller-supplied maximum.
type PayloadTooLargeError struct{ N uint32 }

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("framing: payload too large: %d bytes", e.N)
}

// WriteFrame writes magic, version, length, and payload to w, then flushes w
// if it has a Flush() error method (see netio for the timeout-aware variant
// used by the daemon and proxy).
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [headerLen]byte
	copy(hdr[0:4], Magic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], VERSION)
	binary.LittleEndian.PutUint32(hdr[6:10], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// ReadFrame reads one frame from r in strict mode: the first 4 bytes must be
// Magic, the version must equal VERSION, and the declared length must not
// exceed maxLen.
func ReadFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return nil, err
	}
	if [4]byte(hdr[:4]) != Magic {
		return nil, ErrInvalidMagic
	}
	return readFrameBody(r, hdr[:], maxLen)
}

// readFrameBody reads the version+length+payload that follows an
// already-consumed and verified magic.
func readFrameBody(r io.Reader, hdr []byte, maxLen uint32) ([]byte, error) {
	if _, err := io.ReadFull(r, hdr[4:headerLen]); err != nil {
		return nil, err
	}
	version := binary.LittleEndian.Uint16(hdr[4:6])
	if version != VERSION {
		return nil, &UnsupportedVersionError{Version: version}
	}
	length := binary.LittleEndian.Uint32(hdr[6:10])
	if length > maxLen {
		return nil, &PayloadTooLargeError{N: length}
	}
	if length == 0 {
		return nil, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadFrameResync reads one frame from r, tolerating leading bytes that are
// not Magic (banner/MOTD/debug output some SSH servers inject). It scans
// forward one byte at a time until the most recent 4 bytes equal Magic, or
// until discarded bytes exceed scanCap, in which case it returns
// ErrMagicNotFound. It returns the payload and the number of bytes discarded
// before the magic was found.
func ReadFrameResync(r io.Reader, maxLen uint32, scanCap int) (payload []byte, discarded int, err error) {
	// A small buffer keeps this from blocking on a read larger than what the
	// noisy banner/MOTD bytes actually delivered; bufio.Reader never drops
	// buffered bytes, so the subsequent body read through the same br sees
	// every byte exactly once regardless of buffer size.
	br := bufio.NewReaderSize(r, 16)
	var window [4]byte
	if _, err := io.ReadFull(br, window[:]); err != nil {
		return nil, 0, err
	}
	for window != Magic {
		if discarded >= scanCap {
			return nil, discarded, ErrMagicNotFound
		}
		copy(window[0:3], window[1:4])
		b, err := br.ReadByte()
		if err != nil {
			return nil, discarded, err
		}
		window[3] = b
		discarded++
	}

	var hdr [headerLen]byte
	copy(hdr[0:4], window[:])
	payload, err = readFrameBody(br, hdr[:], maxLen)
	return payload, discarded, err
}
