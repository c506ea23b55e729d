// Package compression provides the codecs used for sub-entry batches of the
// stream protocol. A sub-entry batch carries a 3 bit codec tag; the decoder
// resolves the codec from a Registry by that tag before the payload is read.
//
// Supported codecs:
//
//   - None (0): payload is stored as is
//   - Gzip (1): github.com/klauspost/compress/gzip
//   - Snappy (2): github.com/golang/snappy (framed format)
//   - Lz4 (3): github.com/pierrec/lz4/v4 (frame format)
//   - Zstd (4): github.com/klauspost/compress/zstd
//
// NewRegistry only contains None and Gzip, additional codecs have to be
// registered explicitly. DefaultRegistry contains all of the above.
package compression
