// Package stream runs multi-file queries and writes their results as a
// sequence of length-prefixed frames.
//
// Wire format, all integers little-endian u32:
//
//	data:  [len][len bytes of payload]          len > 0
//	error: [0][len][len bytes of {"error","file"}]
package stream

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// ContentType is the media type of a frame stream.
const ContentType = "application/x-overture-frames"

type Kind uint8

const (
	KindData Kind = iota + 1
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// FileError is the body of an error frame. File is the index into the
// query's file list.
type FileError struct {
	Error string `json:"error"`
	File  int    `json:"file"`
}

// Frame is one decoded unit of the stream. Payload is set for KindData,
// Err for KindError.
type Frame struct {
	Kind    Kind
	Payload []byte
	Err     *FileError
}

func DataFrame(payload []byte) Frame { return Frame{Kind: KindData, Payload: payload} }

func ErrorFrame(file int, msg string) Frame {
	return Frame{Kind: KindError, Err: &FileError{Error: msg, File: file}}
}

var ErrEmptyPayload = errors.New("data frame payload must not be empty")

// MaxFrameLen bounds a single frame body accepted by Reader.
const MaxFrameLen = 256 << 20

// Writer encodes frames onto w. Each frame is flushed after it is written so
// that a slow reader applies backpressure to the producer.
type Writer struct {
	w     io.Writer
	flush func() error
	n     int
}

// NewWriter wraps w. flush may be nil.
func NewWriter(w io.Writer, flush func() error) *Writer {
	return &Writer{w: w, flush: flush}
}

// Frames reports how many frames have been written.
func (fw *Writer) Frames() int { return fw.n }

func (fw *Writer) Write(f Frame) error {
	var buf []byte
	switch f.Kind {
	case KindData:
		if len(f.Payload) == 0 {
			return ErrEmptyPayload
		}
		if len(f.Payload) > math.MaxUint32 {
			return fmt.Errorf("payload too large: %d bytes", len(f.Payload))
		}
		buf = make([]byte, 4, 4+len(f.Payload))
		binary.LittleEndian.PutUint32(buf, uint32(len(f.Payload)))
		buf = append(buf, f.Payload...)
	case KindError:
		if f.Err == nil {
			return errors.New("error frame without body")
		}
		body, err := json.Marshal(f.Err)
		if err != nil {
			return fmt.Errorf("encode error frame: %w", err)
		}
		buf = make([]byte, 8, 8+len(body))
		binary.LittleEndian.PutUint32(buf[4:], uint32(len(body)))
		buf = append(buf, body...)
	default:
		return fmt.Errorf("unknown frame kind %d", f.Kind)
	}

	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if fw.flush != nil {
		if err := fw.flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}
	fw.n++
	return nil
}

// Reader decodes a frame stream.
type Reader struct {
	r   io.Reader
	hdr [4]byte
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// Next returns the next frame, or io.EOF at a clean end of stream. A stream
// cut inside a frame yields io.ErrUnexpectedEOF.
func (fr *Reader) Next() (Frame, error) {
	n, err := fr.u32(true)
	if err != nil {
		return Frame{}, err
	}
	if n > 0 {
		b, err := fr.body(n)
		if err != nil {
			return Frame{}, err
		}
		return DataFrame(b), nil
	}

	n, err = fr.u32(false)
	if err != nil {
		return Frame{}, err
	}
	b, err := fr.body(n)
	if err != nil {
		return Frame{}, err
	}
	var fe FileError
	if err := json.Unmarshal(b, &fe); err != nil {
		return Frame{}, fmt.Errorf("decode error frame: %w", err)
	}
	return Frame{Kind: KindError, Err: &fe}, nil
}

func (fr *Reader) u32(first bool) (uint32, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if first && errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return binary.LittleEndian.Uint32(fr.hdr[:]), nil
}

func (fr *Reader) body(n uint32) ([]byte, error) {
	if n > MaxFrameLen {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(fr.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}
