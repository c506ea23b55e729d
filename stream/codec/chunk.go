package codec

import (
	"github.com/ValentinKolb/dStream/lib/compression"
	"sync"
)

// chunkHeaderSize is the size of the chunk header in a deliver frame
const chunkHeaderSize = 1 + 1 + 2 + 4 + 8 + 8 + 8 + 4 + 4 + 4 + 4

// subEntryFlag marks an entry as a (possibly compressed) batch of records
const subEntryFlag = 0x80

var (
	defaultRegistry     *compression.Registry
	defaultRegistryOnce sync.Once
)

func registryOrDefault(registry *compression.Registry) *compression.Registry {
	if registry != nil {
		return registry
	}
	defaultRegistryOnce.Do(func() { defaultRegistry = compression.DefaultRegistry() })
	return defaultRegistry
}

// Record is one message of a chunk with its stream offset
type Record struct {
	Offset uint64
	Data   []byte
}

// Chunk is a delivered block of records
type Chunk struct {
	MagicVersion  uint8
	ChunkType     uint8
	NumEntries    uint16
	NumRecords    uint32
	Timestamp     int64
	Epoch         uint64
	FirstOffset   uint64
	Crc           int32
	DataLength    uint32
	TrailerLength uint32
	Reserved      uint32
	Records       []Record
}

// DecodeChunk decodes a chunk (header followed by entries) from raw bytes
func DecodeChunk(data []byte, registry *compression.Registry) (*Chunk, error) {
	r := NewReader(0, data)
	chunk := decodeChunk(r, registry)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return chunk, nil
}

func decodeChunk(r *Reader, registry *compression.Registry) *Chunk {
	c := &Chunk{
		MagicVersion:  r.ReadUint8(),
		ChunkType:     r.ReadUint8(),
		NumEntries:    r.ReadUint16(),
		NumRecords:    r.ReadUint32(),
		Timestamp:     r.ReadInt64(),
		Epoch:         r.ReadUint64(),
		FirstOffset:   r.ReadUint64(),
		Crc:           r.ReadInt32(),
		DataLength:    r.ReadUint32(),
		TrailerLength: r.ReadUint32(),
		Reserved:      r.ReadUint32(),
	}
	data := r.ReadRaw(int(c.DataLength))
	if r.Err() != nil {
		return c
	}
	if int(c.TrailerLength) <= r.Remaining() {
		r.ReadRaw(int(c.TrailerLength))
	}

	entries := &Reader{buf: data, key: r.key}
	c.Records = make([]Record, 0, c.NumRecords)
	offset := c.FirstOffset
	for i := 0; i < int(c.NumEntries) && entries.Err() == nil; i++ {
		if entries.Peek()&subEntryFlag == 0 {
			size := entries.ReadUint32()
			c.Records = append(c.Records, Record{Offset: offset, Data: entries.ReadRaw(int(size))})
			offset++
			continue
		}

		records := decodeSubEntry(entries, registryOrDefault(registry))
		for _, rec := range records {
			c.Records = append(c.Records, Record{Offset: offset, Data: rec})
			offset++
		}
	}
	if err := entries.Err(); err != nil {
		r.err = err
	}
	return c
}

// decodeSubEntry decodes a batch entry: flag and codec tag, record count,
// uncompressed length, data length, (compressed) simple entries
func decodeSubEntry(r *Reader, registry *compression.Registry) [][]byte {
	tag := r.ReadUint8()
	codecType := compression.Type((tag >> 4) & 0x7)
	numRecords := r.ReadUint16()
	uncompressedLen := r.ReadUint32()
	dataLen := r.ReadUint32()
	payload := r.ReadRaw(int(dataLen))
	if r.Err() != nil {
		return nil
	}

	codec, err := registry.Get(codecType)
	if err != nil {
		r.fail("sub-entry codec %d: %v", codecType, err)
		return nil
	}
	plain, err := codec.Decompress(payload, int(uncompressedLen))
	if err != nil {
		r.fail("failed to decompress sub-entry with %s: %v", codecType, err)
		return nil
	}
	Logger.Debugf("decoded %s sub-entry with %d records (%d -> %d bytes)", codecType, numRecords, dataLen, len(plain))

	inner := &Reader{buf: plain, key: r.key}
	out := make([][]byte, 0, numRecords)
	for i := 0; i < int(numRecords) && inner.Err() == nil; i++ {
		size := inner.ReadUint32()
		out = append(out, inner.ReadRaw(int(size)))
	}
	if err := inner.Err(); err != nil {
		r.err = err
		return nil
	}
	return out
}

// --------------------------------------------------------------------------
// Encoding (used by tests and tooling that fake a broker)
// --------------------------------------------------------------------------

// ChunkEntry is an entry to encode into a chunk: either a single record or
// a sub-entry batch compressed with Codec
type ChunkEntry struct {
	Records [][]byte
	Batch   bool
	Codec   compression.ICodec
}

// EncodeChunk builds the bytes of a chunk starting at firstOffset
func EncodeChunk(firstOffset uint64, timestamp int64, entries []ChunkEntry) ([]byte, error) {
	data := NewWriter(256)
	numRecords := 0
	for _, e := range entries {
		if !e.Batch {
			for _, rec := range e.Records {
				data.WriteBytes(rec)
				numRecords++
			}
			continue
		}

		plain := NewWriter(256)
		for _, rec := range e.Records {
			plain.WriteBytes(rec)
		}
		codec := e.Codec
		if codec == nil {
			codec = compression.NewNoneCodec()
		}
		compressed, err := codec.Compress(plain.Bytes())
		if err != nil {
			return nil, err
		}
		data.WriteUint8(subEntryFlag | uint8(codec.Type())<<4)
		data.WriteUint16(uint16(len(e.Records)))
		data.WriteUint32(uint32(plain.Len()))
		data.WriteBytes(compressed)
		numRecords += len(e.Records)
	}

	numEntries := 0
	for _, e := range entries {
		if e.Batch {
			numEntries++
		} else {
			numEntries += len(e.Records)
		}
	}

	w := NewWriter(chunkHeaderSize + data.Len())
	w.WriteUint8(0x50) // magic and version
	w.WriteUint8(0)    // user chunk
	w.WriteUint16(uint16(numEntries))
	w.WriteUint32(uint32(numRecords))
	w.WriteInt64(timestamp)
	w.WriteUint64(0) // epoch
	w.WriteUint64(firstOffset)
	w.WriteInt32(0) // crc
	w.WriteUint32(uint32(data.Len()))
	w.WriteUint32(0) // trailer
	w.WriteUint32(0) // reserved
	w.WriteRaw(data.Bytes())
	return w.Bytes(), nil
}
