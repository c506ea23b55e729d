package compression

import (
	"fmt"
	"sync"
)

// Type is the codec tag written into the sub-entry header
type Type uint8

const (
	None   Type = 0
	Gzip   Type = 1
	Snappy Type = 2
	Lz4    Type = 3
	Zstd   Type = 4
)

// String returns the name of the codec
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	case Lz4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseType converts a codec name (as used on the command line) into a Type
func ParseType(name string) (Type, error) {
	switch name {
	case "none", "":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return Lz4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression %q (expected one of none, gzip, snappy, lz4, zstd)", name)
	}
}

// ICodec compresses and decompresses sub-entry payloads
type ICodec interface {
	// Type returns the codec tag
	Type() Type
	// Compress compresses the concatenated entries of a sub-entry batch
	Compress(data []byte) ([]byte, error)
	// Decompress restores the payload, uncompressedLen is taken from the sub-entry header
	Decompress(data []byte, uncompressedLen int) ([]byte, error)
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry maps codec tags to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[Type]ICodec
}

// NewRegistry creates a registry containing the none and gzip codecs
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Type]ICodec)}
	r.codecs[None] = NewNoneCodec()
	r.codecs[Gzip] = NewGzipCodec()
	return r
}

// DefaultRegistry creates a registry containing every codec of this package
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.codecs[Snappy] = NewSnappyCodec()
	r.codecs[Lz4] = NewLz4Codec()
	r.codecs[Zstd] = NewZstdCodec()
	return r
}

// Register adds a codec. Registering a tag twice is an error.
func (r *Registry) Register(codec ICodec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.codecs[codec.Type()]; ok {
		return fmt.Errorf("compression %s already registered", codec.Type())
	}
	r.codecs[codec.Type()] = codec
	return nil
}

// Get returns the codec for a tag
func (r *Registry) Get(t Type) (ICodec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codec, ok := r.codecs[t]
	if !ok {
		return nil, fmt.Errorf("invalid compression or compression not yet implemented: %s", t)
	}
	return codec, nil
}
