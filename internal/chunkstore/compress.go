package chunkstore

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
)

// encoder and decoder are process-wide: zstd.Encoder/Decoder support
// concurrent use of their All-variants, so one pair serves every Store
// in the process, mirroring the teacher's package-level zstdDec
// (internal/chunk/file/compress.go).
func encoder() *zstd.Encoder {
	encOnce.Do(func() {
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic("chunkstore: init zstd encoder: " + err.Error())
		}
		enc = e
	})
	return enc
}

func decoder() *zstd.Decoder {
	decOnce.Do(func() {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			panic("chunkstore: init zstd decoder: " + err.Error())
		}
		dec = d
	})
	return dec
}

func compress(data []byte) []byte {
	return encoder().EncodeAll(data, make([]byte, 0, len(data)))
}

func decompress(data []byte) ([]byte, error) {
	out, err := decoder().DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
