package delta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ErrCorrupt is returned when a delta payload is malformed, truncated, or the
// reconstructed output fails its checksum.
var ErrCorrupt = errors.New("delta payload corrupt")

// Delta payload wire format, zstd-framed:
//
//	magic "SVD1", version 0x01
//	uint64 basis length, uint64 target length
//	records until the end record:
//	  0x01 copy   {uint64 basis offset, uint64 length}
//	  0x02 insert {uint64 length, raw bytes}
//	  0xff end    {16-byte xxh3-128 of the full target}
var payloadMagic = [4]byte{'S', 'V', 'D', '1'}

const (
	formatVersion = 0x01

	opCopy   = 0x01
	opInsert = 0x02
	opEnd    = 0xff

	// maxInsertChunk bounds a single insert record so apply never has to
	// trust an attacker-sized length field.
	maxInsertChunk = 1 << 20
)

// payloadWriter serializes copy/insert records into a zstd stream.
type payloadWriter struct {
	zw  *zstd.Encoder
	buf *bytes.Buffer
}

func newPayloadWriter(level zstd.EncoderLevel, basisLen, targetLen int64) (*payloadWriter, error) {
	buf := &bytes.Buffer{}
	zw, err := zstd.NewWriter(buf, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	w := &payloadWriter{zw: zw, buf: buf}

	header := make([]byte, 0, 21)
	header = append(header, payloadMagic[:]...)
	header = append(header, formatVersion)
	header = binary.LittleEndian.AppendUint64(header, uint64(basisLen))
	header = binary.LittleEndian.AppendUint64(header, uint64(targetLen))
	if _, err := zw.Write(header); err != nil {
		return nil, fmt.Errorf("write payload header: %w", err)
	}
	return w, nil
}

func (w *payloadWriter) writeCopy(offset, length int64) error {
	rec := make([]byte, 0, 17)
	rec = append(rec, opCopy)
	rec = binary.LittleEndian.AppendUint64(rec, uint64(offset))
	rec = binary.LittleEndian.AppendUint64(rec, uint64(length))
	_, err := w.zw.Write(rec)
	return err
}

func (w *payloadWriter) writeInsert(data []byte) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > maxInsertChunk {
			chunk = chunk[:maxInsertChunk]
		}
		rec := make([]byte, 0, 9)
		rec = append(rec, opInsert)
		rec = binary.LittleEndian.AppendUint64(rec, uint64(len(chunk)))
		if _, err := w.zw.Write(rec); err != nil {
			return err
		}
		if _, err := w.zw.Write(chunk); err != nil {
			return err
		}
		data = data[len(chunk):]
	}
	return nil
}

// finish writes the end record carrying the target checksum and closes the
// zstd frame, returning the complete payload.
func (w *payloadWriter) finish(targetSum [16]byte) ([]byte, error) {
	rec := append([]byte{opEnd}, targetSum[:]...)
	if _, err := w.zw.Write(rec); err != nil {
		return nil, err
	}
	if err := w.zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd frame: %w", err)
	}
	return w.buf.Bytes(), nil
}

// payloadReader decodes a zstd-framed delta payload.
type payloadReader struct {
	zr        *zstd.Decoder
	br        io.Reader
	BasisLen  int64
	TargetLen int64
}

func newPayloadReader(r io.Reader) (*payloadReader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: not a zstd frame: %v", ErrCorrupt, err)
	}

	header := make([]byte, 21)
	if _, err := io.ReadFull(zr, header); err != nil {
		zr.Close()
		return nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if !bytes.Equal(header[:4], payloadMagic[:]) {
		zr.Close()
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if header[4] != formatVersion {
		zr.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, header[4])
	}
	return &payloadReader{
		zr:        zr,
		br:        zr,
		BasisLen:  int64(binary.LittleEndian.Uint64(header[5:13])),
		TargetLen: int64(binary.LittleEndian.Uint64(header[13:21])),
	}, nil
}

func (r *payloadReader) Close() {
	r.zr.Close()
}

// op is one decoded delta record.
type op struct {
	code   byte
	offset int64    // copy
	length int64    // copy/insert
	data   []byte   // insert
	sum    [16]byte // end
}

// next decodes the next record. Any truncation or out-of-range field maps to
// ErrCorrupt.
func (r *payloadReader) next() (op, error) {
	var code [1]byte
	if _, err := io.ReadFull(r.br, code[:]); err != nil {
		return op{}, fmt.Errorf("%w: missing end record", ErrCorrupt)
	}

	switch code[0] {
	case opCopy:
		var fields [16]byte
		if _, err := io.ReadFull(r.br, fields[:]); err != nil {
			return op{}, fmt.Errorf("%w: truncated copy record", ErrCorrupt)
		}
		o := op{
			code:   opCopy,
			offset: int64(binary.LittleEndian.Uint64(fields[0:8])),
			length: int64(binary.LittleEndian.Uint64(fields[8:16])),
		}
		if o.offset < 0 || o.length <= 0 || o.offset+o.length > r.BasisLen {
			return op{}, fmt.Errorf("%w: copy out of basis range", ErrCorrupt)
		}
		return o, nil

	case opInsert:
		var lenField [8]byte
		if _, err := io.ReadFull(r.br, lenField[:]); err != nil {
			return op{}, fmt.Errorf("%w: truncated insert record", ErrCorrupt)
		}
		length := int64(binary.LittleEndian.Uint64(lenField[:]))
		if length <= 0 || length > maxInsertChunk {
			return op{}, fmt.Errorf("%w: insert length out of range", ErrCorrupt)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r.br, data); err != nil {
			return op{}, fmt.Errorf("%w: truncated insert data", ErrCorrupt)
		}
		return op{code: opInsert, length: length, data: data}, nil

	case opEnd:
		var sum [16]byte
		if _, err := io.ReadFull(r.br, sum[:]); err != nil {
			return op{}, fmt.Errorf("%w: truncated end record", ErrCorrupt)
		}
		return op{code: opEnd, sum: sum}, nil

	default:
		return op{}, fmt.Errorf("%w: unknown opcode 0x%02x", ErrCorrupt, code[0])
	}
}
