package compression

import (
	"bytes"
	"fmt"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"io"
	"sync"
)

// --------------------------------------------------------------------------
// None
// --------------------------------------------------------------------------

type noneCodec struct{}

// NewNoneCodec returns the pass-through codec
func NewNoneCodec() ICodec { return noneCodec{} }

func (noneCodec) Type() Type { return None }

func (noneCodec) Compress(data []byte) ([]byte, error) { return data, nil }

func (noneCodec) Decompress(data []byte, _ int) ([]byte, error) { return data, nil }

// --------------------------------------------------------------------------
// Gzip
// --------------------------------------------------------------------------

type gzipCodec struct{}

// NewGzipCodec returns a gzip codec
func NewGzipCodec() ICodec { return gzipCodec{} }

func (gzipCodec) Type() Type { return Gzip }

func (gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(data []byte, uncompressedLen int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readExactly(r, uncompressedLen)
}

// --------------------------------------------------------------------------
// Snappy
// --------------------------------------------------------------------------

type snappyCodec struct{}

// NewSnappyCodec returns a codec using the snappy framing format
func NewSnappyCodec() ICodec { return snappyCodec{} }

func (snappyCodec) Type() Type { return Snappy }

func (snappyCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (snappyCodec) Decompress(data []byte, uncompressedLen int) ([]byte, error) {
	return readExactly(snappy.NewReader(bytes.NewReader(data)), uncompressedLen)
}

// --------------------------------------------------------------------------
// Lz4
// --------------------------------------------------------------------------

type lz4Codec struct{}

// NewLz4Codec returns a codec using the lz4 frame format
func NewLz4Codec() ICodec { return lz4Codec{} }

func (lz4Codec) Type() Type { return Lz4 }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(data []byte, uncompressedLen int) ([]byte, error) {
	return readExactly(lz4.NewReader(bytes.NewReader(data)), uncompressedLen)
}

// --------------------------------------------------------------------------
// Zstd
// --------------------------------------------------------------------------

// zstdCodec lazily creates one encoder and one decoder, both are safe for
// concurrent use with EncodeAll/DecodeAll
type zstdCodec struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

// NewZstdCodec returns a zstd codec
func NewZstdCodec() ICodec { return &zstdCodec{} }

func (c *zstdCodec) Type() Type { return Zstd }

func (c *zstdCodec) init() error {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil)
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil)
	})
	return c.initErr
}

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *zstdCodec) Decompress(data []byte, uncompressedLen int) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	out, err := c.decoder.DecodeAll(data, make([]byte, 0, uncompressedLen))
	if err != nil {
		return nil, err
	}
	if uncompressedLen > 0 && len(out) != uncompressedLen {
		return nil, fmt.Errorf("zstd: expected %d bytes, got %d", uncompressedLen, len(out))
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// readExactly reads the whole stream and checks the announced length.
// A negative or zero length disables the check.
func readExactly(r io.Reader, uncompressedLen int) ([]byte, error) {
	if uncompressedLen <= 0 {
		return io.ReadAll(r)
	}
	out := make([]byte, uncompressedLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("decompress: %v", err)
	}
	return out, nil
}
