package trace

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Wire format constants
const (
	MagicBytes    = "SPKF"
	FormatVersion = 1

	// MIMEType is the content type frames are served under.
	MIMEType = "application/x-msgpack"
)

const (
	FlagCompressed uint16 = 1 << 0
)

var (
	ErrFrameTooShort = errors.New("frame too short")
	ErrBadMagic      = errors.New("invalid magic bytes")
	ErrVersion       = errors.New("unsupported frame version")
	ErrChecksum      = errors.New("frame checksum mismatch")
)

var headerSize = binary.Size(Header{})

// Header precedes every encoded frame
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	DataLen  uint64
	Checksum uint64
}

// Frame is everything a display needs to draw one tick.
type Frame struct {
	SessionID string      `json:"sessionId" msgpack:"session_id"`
	Tick      int64       `json:"tick" msgpack:"tick"`
	TimeMs    float64     `json:"timeMs" msgpack:"time_ms"`
	Running   bool        `json:"running" msgpack:"running"`
	Voltages  []float64   `json:"voltages" msgpack:"voltages"`
	Histories [][]float64 `json:"histories,omitempty" msgpack:"histories,omitempty"`
	Spiked    []int       `json:"spiked" msgpack:"spiked"`
}

// Codec encodes frames as header + msgpack body, optionally gzipped.
type Codec struct {
	compress  bool
	compLevel int
}

// NewCodec creates a codec. Compression only applies when it shrinks the body.
func NewCodec(compress bool) *Codec {
	return &Codec{
		compress:  compress,
		compLevel: gzip.BestSpeed,
	}
}

// Encode serializes a frame
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return nil, err
	}

	var flags uint16
	if c.compress {
		compressed, err := compressData(data, c.compLevel)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(data) {
			data = compressed
			flags |= FlagCompressed
		}
	}

	header := Header{
		Version:  FormatVersion,
		Flags:    flags,
		DataLen:  uint64(len(data)),
		Checksum: xxhash.Sum64(data),
	}
	copy(header.Magic[:], MagicBytes)

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(data)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	buf.Write(data)
	return buf.Bytes(), nil
}

// Decode parses a frame produced by Encode
func (c *Codec) Decode(raw []byte) (*Frame, error) {
	if len(raw) < headerSize {
		return nil, ErrFrameTooShort
	}

	r := bytes.NewReader(raw)
	var header Header
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if string(header.Magic[:]) != MagicBytes {
		return nil, ErrBadMagic
	}
	if header.Version > FormatVersion {
		return nil, ErrVersion
	}
	if header.DataLen > uint64(r.Len()) {
		return nil, ErrFrameTooShort
	}

	data := make([]byte, header.DataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	if xxhash.Sum64(data) != header.Checksum {
		return nil, ErrChecksum
	}

	if header.Flags&FlagCompressed != 0 {
		decompressed, err := decompressData(data)
		if err != nil {
			return nil, err
		}
		data = decompressed
	}

	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

var defaultCodec = NewCodec(true)

// EncodeFrame encodes with compression enabled
func EncodeFrame(f *Frame) ([]byte, error) { return defaultCodec.Encode(f) }

// DecodeFrame decodes either a compressed or a plain frame
func DecodeFrame(raw []byte) (*Frame, error) { return defaultCodec.Decode(raw) }

func compressData(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressData(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
