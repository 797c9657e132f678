package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"sync"
)

// ErrPacketLengthMismatch is returned when a DataPacket's declared Length
// doesn't match the number of bytes its Body actually yields, in either
// direction. The caller (a Transaction) must treat this as fatal for the
// whole transaction, not just the one packet: the byte stream is framed
// by length, so a short or long payload desynchronizes everything after
// it.
var ErrPacketLengthMismatch = errors.New("wire: payload length mismatch")

// ErrEncoderClosed is returned by EncodePacket once the encoder has been
// closed.
var ErrEncoderClosed = errors.New("wire: encoder closed")

// Encoder serializes a sequence of DataPackets into the S2S flow-file-v3
// byte stream, computing a running CRC32-IEEE over every byte emitted
// along the way. It is write-once and forward-only: there is no seek,
// no rewind, and Close is idempotent.
type Encoder struct {
	w    io.Writer
	crc  uint32
	once sync.Once
	err  error // sticky error from a previous EncodePacket failure

	mu sync.Mutex
}

// NewEncoder wraps w (typically the write side of an io.Pipe feeding an
// HTTP request body) in an Encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, crc: 0}
}

// EncodePacket writes one packet in wire order: attribute count, each
// key/value length-prefixed pair, the 8-byte payload length, then the
// payload bytes, updating the running CRC32 over every byte written.
func (e *Encoder) EncodePacket(p DataPacket) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return e.err
	}

	cw := &crcWriter{w: e.w, crc: e.crc}

	if err := writeUint32(cw, uint32(len(p.Attributes))); err != nil {
		return e.fail(err)
	}
	for k, v := range p.Attributes {
		if err := writeString(cw, k); err != nil {
			return e.fail(err)
		}
		if err := writeString(cw, v); err != nil {
			return e.fail(err)
		}
	}
	if err := writeUint64(cw, uint64(p.Length)); err != nil {
		return e.fail(err)
	}

	n, err := io.CopyN(cw, p.Body, p.Length)
	if err != nil && err != io.EOF {
		return e.fail(err)
	}
	if n != p.Length {
		return e.fail(ErrPacketLengthMismatch)
	}
	// Detect an over-long payload: if the source still has data past the
	// declared Length, the stream is desynchronized and must be treated
	// as an error even though we've already discarded the excess by not
	// reading it into the wire stream.
	var extra [1]byte
	if m, rerr := p.Body.Read(extra[:]); m > 0 || (rerr != nil && rerr != io.EOF) {
		return e.fail(ErrPacketLengthMismatch)
	}

	e.crc = cw.crc
	return nil
}

func (e *Encoder) fail(err error) error {
	e.err = err
	return err
}

// Checksum returns the CRC32-IEEE of every byte emitted so far, formatted
// as the decimal ASCII string the server expects.
func (e *Encoder) Checksum() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strconv.FormatUint(uint64(e.crc), 10)
}

// Close finalizes the encoder. It is idempotent: only the first call has
// any effect, and Close never returns an error from a second call.
func (e *Encoder) Close() error {
	var closeErr error
	e.once.Do(func() {
		if closer, ok := e.w.(io.Closer); ok {
			closeErr = closer.Close()
		}
		e.mu.Lock()
		if e.err == nil {
			e.err = ErrEncoderClosed
		}
		e.mu.Unlock()
	})
	return closeErr
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// crcWriter forwards every write to an underlying writer while folding
// the bytes into a running CRC32-IEEE, the same polynomial the server
// uses to validate the transfer.
type crcWriter struct {
	w   io.Writer
	crc uint32
}

func (c *crcWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.crc = crc32.Update(c.crc, crc32.IEEETable, p[:n])
	}
	if err != nil {
		return n, fmt.Errorf("wire: write: %w", err)
	}
	return n, nil
}
