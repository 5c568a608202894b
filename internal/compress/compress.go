package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/SkynetNext/piecebuf/internal/piecebuffer"
)

// Codec identifies how a block payload is compressed on the wire.
// Values match the Kafka record-batch codec ids.
type Codec uint8

const (
	None   Codec = 0
	Gzip   Codec = 1
	Snappy Codec = 2
	LZ4    Codec = 3
	Zstd   Codec = 4
)

var (
	// ErrUnknownCodec is returned for a codec byte this build does not understand
	ErrUnknownCodec = errors.New("compress: unknown codec")

	// ErrTooLarge is returned when a block decodes to more bytes than allowed
	ErrTooLarge = errors.New("compress: decoded block exceeds limit")
)

// NoLimit disables the decoded size check of DecodeTo
const NoLimit = -1

// String returns the codec name used in logs and metric labels
func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec maps a codec name back to its Codec
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// Decoder decodes compressed blocks straight into piece buffers.
// A Decoder is safe for concurrent use.
type Decoder struct {
	maxDecoded int

	ungzPool  sync.Pool
	unlz4Pool sync.Pool

	zstdOnce  sync.Once
	zstdDec   *zstd.Decoder
	zstdErr   error
	closeOnce sync.Once
}

// NewDecoder creates a Decoder. maxDecoded caps the memory a single zstd
// block may decode into; zero or less keeps the zstd default.
func NewDecoder(maxDecoded int) *Decoder {
	return &Decoder{
		maxDecoded: maxDecoded,
		ungzPool: sync.Pool{
			New: func() interface{} { return new(gzip.Reader) },
		},
		unlz4Pool: sync.Pool{
			New: func() interface{} { return lz4.NewReader(nil) },
		},
	}
}

// DecodeTo appends the decoded form of src to dst.
//
// At most limit decoded bytes are accepted (NoLimit for none); a block that
// decodes to more fails with ErrTooLarge. dst never grows much past
// Len()+limit, so a small hostile block cannot inflate a pooled buffer.
// A snappy or zstd failure leaves dst unchanged; a gzip or lz4 failure may
// leave part of the block appended.
func (d *Decoder) DecodeTo(dst *piecebuffer.Buffer, c Codec, src []byte, limit int) error {
	switch c {
	case None:
		if limit >= 0 && len(src) > limit {
			return fmt.Errorf("%w: %d bytes (limit: %d)", ErrTooLarge, len(src), limit)
		}
		dst.Append(src)
		return nil

	case Gzip:
		ungz := d.ungzPool.Get().(*gzip.Reader)
		defer d.ungzPool.Put(ungz)
		if err := ungz.Reset(bytes.NewReader(src)); err != nil {
			return fmt.Errorf("gzip block: %w", err)
		}
		if err := readLimited(dst, ungz, limit); err != nil {
			return fmt.Errorf("gzip block: %w", err)
		}
		return nil

	case Snappy:
		return dst.AppendFunc(func(out []byte) ([]byte, error) {
			n, err := snappy.DecodedLen(src)
			if err != nil {
				return nil, fmt.Errorf("snappy block: %w", err)
			}
			// The decoded length comes from the sender; check it before allocating
			if limit >= 0 && n > limit {
				return nil, fmt.Errorf("snappy block: %w: %d bytes (limit: %d)", ErrTooLarge, n, limit)
			}
			m := len(out)
			out = slices.Grow(out, n)
			if _, err := snappy.Decode(out[m:m+n], src); err != nil {
				return nil, fmt.Errorf("snappy block: %w", err)
			}
			return out[:m+n], nil
		})

	case LZ4:
		unlz4 := d.unlz4Pool.Get().(*lz4.Reader)
		defer d.unlz4Pool.Put(unlz4)
		unlz4.Reset(bytes.NewReader(src))
		if err := readLimited(dst, unlz4, limit); err != nil {
			return fmt.Errorf("lz4 block: %w", err)
		}
		return nil

	case Zstd:
		dec, err := d.zstd()
		if err != nil {
			return err
		}
		var hdr zstd.Header
		if err := hdr.Decode(src); err == nil && hdr.HasFCS && limit >= 0 && hdr.FrameContentSize > uint64(limit) {
			return fmt.Errorf("zstd block: %w: %d bytes (limit: %d)", ErrTooLarge, hdr.FrameContentSize, limit)
		}
		return dst.AppendFunc(func(out []byte) ([]byte, error) {
			m := len(out)
			out, err := dec.DecodeAll(src, out)
			if err != nil {
				if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
					err = fmt.Errorf("%w: %w", ErrTooLarge, err)
				}
				return nil, fmt.Errorf("zstd block: %w", err)
			}
			if limit >= 0 && len(out)-m > limit {
				return nil, fmt.Errorf("zstd block: %w: %d bytes (limit: %d)", ErrTooLarge, len(out)-m, limit)
			}
			return out, nil
		})
	}
	return fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(c))
}

// zstd returns the shared zstd decoder, building it on first use
func (d *Decoder) zstd() (*zstd.Decoder, error) {
	d.zstdOnce.Do(func() {
		var opts []zstd.DOption
		if d.maxDecoded > 0 {
			opts = append(opts, zstd.WithDecoderMaxMemory(uint64(d.maxDecoded)))
		}
		d.zstdDec, d.zstdErr = zstd.NewReader(nil, opts...)
	})
	if d.zstdErr != nil {
		return nil, fmt.Errorf("zstd decoder: %w", d.zstdErr)
	}
	return d.zstdDec, nil
}

// readLimited appends everything r yields to dst, failing once more than
// limit bytes come out
func readLimited(dst *piecebuffer.Buffer, r io.Reader, limit int) error {
	if limit < 0 {
		_, err := dst.ReadFrom(r)
		return err
	}
	n, err := dst.ReadFrom(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return err
	}
	if n > int64(limit) {
		return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return nil
}

// Close releases the zstd decoder's goroutines. It is safe to call more than once.
func (d *Decoder) Close() {
	d.closeOnce.Do(func() {
		// zstdOnce must fire here too, otherwise a concurrent DecodeTo could
		// construct a decoder after Close
		d.zstdOnce.Do(func() {})
		if d.zstdDec != nil {
			d.zstdDec.Close()
		}
	})
}

// Encoder compresses block payloads for sending. It is safe for concurrent use.
type Encoder struct {
	gzPool  sync.Pool
	lz4Pool sync.Pool
	zstdEnc *zstd.Encoder
}

// NewEncoder creates an Encoder
func NewEncoder() (*Encoder, error) {
	zstdEnc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return &Encoder{
		gzPool:  sync.Pool{New: func() interface{} { return gzip.NewWriter(nil) }},
		lz4Pool: sync.Pool{New: func() interface{} { return lz4.NewWriter(nil) }},
		zstdEnc: zstdEnc,
	}, nil
}

// Encode returns src compressed with c
func (e *Encoder) Encode(c Codec, src []byte) ([]byte, error) {
	switch c {
	case None:
		return src, nil

	case Gzip:
		var out bytes.Buffer
		gz := e.gzPool.Get().(*gzip.Writer)
		defer e.gzPool.Put(gz)
		gz.Reset(&out)
		if _, err := gz.Write(src); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil

	case Snappy:
		return snappy.Encode(nil, src), nil

	case LZ4:
		var out bytes.Buffer
		lz := e.lz4Pool.Get().(*lz4.Writer)
		defer e.lz4Pool.Put(lz)
		lz.Reset(&out)
		if _, err := lz.Write(src); err != nil {
			return nil, err
		}
		if err := lz.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil

	case Zstd:
		return e.zstdEnc.EncodeAll(src, nil), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(c))
}

// Close releases the zstd encoder
func (e *Encoder) Close() {
	e.zstdEnc.Close()
}
