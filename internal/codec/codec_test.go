package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/suite"
)

type CodecTestSuite struct {
	suite.Suite
}

func TestCodecTestSuite(t *testing.T) {
	suite.Run(t, new(CodecTestSuite))
}

func (s *CodecTestSuite) TestSmallValuesStayRaw() {
	c := New(DefaultThreshold)
	in := []byte(`{"timeout":30}`)
	out := c.Encode(in)
	s.Equal(formatRaw, out[0])
	s.Equal(in, out[1:])

	back, err := c.Decode(out)
	s.NoError(err)
	s.Equal(in, back)
}

func (s *CodecTestSuite) TestLargeValuesCompress() {
	c := New(64)
	in := []byte(`"` + strings.Repeat("abcdef", 200) + `"`)
	out := c.Encode(in)
	s.Equal(formatZstd, out[0])
	s.Less(len(out), len(in))

	back, err := c.Decode(out)
	s.NoError(err)
	s.Equal(in, back)
}

func (s *CodecTestSuite) TestNegativeThresholdDisablesCompression() {
	c := New(-1)
	in := bytes.Repeat([]byte("a"), 4096)
	s.Equal(formatRaw, c.Encode(in)[0])
}

func (s *CodecTestSuite) TestDecodeDoesNotAlias() {
	c := New(DefaultThreshold)
	stored := c.Encode([]byte(`[1,2,3]`))
	back, err := c.Decode(stored)
	s.NoError(err)
	back[0] = 'X'
	again, err := c.Decode(stored)
	s.NoError(err)
	s.Equal([]byte(`[1,2,3]`), again)
}

func (s *CodecTestSuite) TestDecodeCorrupt() {
	c := New(DefaultThreshold)
	_, err := c.Decode(nil)
	s.ErrorIs(err, ErrCorrupt)
	_, err = c.Decode([]byte{0x7f, 'x'})
	s.ErrorIs(err, ErrCorrupt)
	_, err = c.Decode([]byte{formatZstd, 'x', 'y'})
	s.ErrorIs(err, ErrCorrupt)
}

func (s *CodecTestSuite) TestTokenRoundTrip() {
	type cursor struct {
		After string `json:"after"`
	}
	tok, err := EncodeToken(cursor{After: "db/url"})
	s.NoError(err)
	s.NotContains(tok, "=")

	var c cursor
	s.NoError(DecodeToken(tok, &c))
	s.Equal("db/url", c.After)

	s.Error(DecodeToken("%%%", &c))
}

func (s *CodecTestSuite) TestTokenLimits() {
	var c struct {
		After string `json:"after"`
	}

	s.ErrorIs(DecodeToken(strings.Repeat("A", MaxTokenLength+1), &c), ErrTokenTooLong)

	// a few dozen bytes that inflate to 1 MiB
	w, err := zstd.NewWriter(nil)
	s.Require().NoError(err)
	bomb := base64.RawURLEncoding.EncodeToString(w.EncodeAll(make([]byte, 1<<20), nil))
	s.Require().LessOrEqual(len(bomb), MaxTokenLength)
	err = DecodeToken(bomb, &c)
	s.True(errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded), err)

	tok, err := EncodeToken(map[string]string{"after": strings.Repeat("k", 1024)})
	s.Require().NoError(err)
	s.LessOrEqual(len(tok), MaxTokenLength)
	s.NoError(DecodeToken(tok, &c))
	s.Len(c.After, 1024)
	s.Error(DecodeToken(tok[:len(tok)-4], &c))
}
