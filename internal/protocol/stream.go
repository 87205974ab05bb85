package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Reader decodes frames from a byte stream. Not safe for concurrent use.
type Reader struct {
	r   io.Reader
	hdr [4]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadMessage blocks until one full frame arrives. A clean peer close
// before any header byte surfaces as io.EOF; a close mid-frame surfaces as
// io.ErrUnexpectedEOF.
func (r *Reader) ReadMessage() (Message, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(r.hdr[:])
	if length > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("protocol: reading %d-byte payload: %w", length, err)
	}
	return DecodePayload(payload)
}

// Writer encodes frames onto a byte stream. Every connection funnels its
// writes through a single goroutine; Writer adds no locking of its own.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteMessage(m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("protocol: writing frame: %w", err)
	}
	return nil
}
