package backend

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
}

// encodeRecord gob-encodes rec and compresses it with zstd.
func encodeRecord(rec *Record) ([]byte, error) {
	initCodec()
	if codecErr != nil {
		return nil, codecErr
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode record %q: %w", rec.Key, err)
	}
	return encoder.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len()/2)), nil
}

func decodeRecord(data []byte) (*Record, error) {
	initCodec()
	if codecErr != nil {
		return nil, codecErr
	}
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress record: %w", err)
	}
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
