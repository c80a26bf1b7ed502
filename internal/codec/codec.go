package codec

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

const (
	formatRaw  byte = 0x00
	formatZstd byte = 0x01

	DefaultThreshold = 1024

	// MaxTokenLength bounds an encoded token; longer input is refused before decoding.
	MaxTokenLength = 4096
	maxTokenBytes  = 16 << 10
)

var enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var dec, _ = zstd.NewReader(nil)

// Tokens come from clients, so their decoder caps decompressed output.
var tokenDec, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxTokenBytes))

var (
	ErrCorrupt      = errors.New("codec: corrupt stored value")
	ErrTokenTooLong = errors.New("codec: token too long")
)

// Codec frames stored values with a one-byte format header. Values of at least Threshold bytes
// are zstd-compressed; a zero Threshold compresses everything, a negative one nothing.
type Codec struct {
	Threshold int
}

func New(threshold int) Codec { return Codec{Threshold: threshold} }

// Encode returns a fresh buffer; the input is never retained.
func (c Codec) Encode(v []byte) []byte {
	if c.Threshold >= 0 && len(v) >= c.Threshold {
		out := make([]byte, 1, len(v)/2+1)
		out[0] = formatZstd
		return enc.EncodeAll(v, out)
	}
	out := make([]byte, 0, len(v)+1)
	out = append(out, formatRaw)
	return append(out, v...)
}

func (c Codec) Decode(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrCorrupt
	}
	switch b[0] {
	case formatRaw:
		out := make([]byte, len(b)-1)
		copy(out, b[1:])
		return out, nil
	case formatZstd:
		out, err := dec.DecodeAll(b[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown format 0x%02x", ErrCorrupt, b[0])
	}
}

// EncodeToken encodes v as JSON, compresses and base64-url encodes it. Used for opaque cursors.
func EncodeToken(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	b = enc.EncodeAll(b, nil)
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeToken reverses EncodeToken into v. Input longer than MaxTokenLength fails with
// ErrTokenTooLong without being decoded.
func DecodeToken(in string, v any) error {
	if len(in) > MaxTokenLength {
		return ErrTokenTooLong
	}
	b, err := base64.RawURLEncoding.DecodeString(in)
	if err != nil {
		return err
	}
	out, err := tokenDec.DecodeAll(b, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(out, v)
}
