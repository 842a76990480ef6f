package snapshot

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression codec names persisted with snapshots.
const (
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

// EncodeBlob compresses an encoded state blob for storage.
func EncodeBlob(data []byte) ([]byte, string, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, "", fmt.Errorf("create zstd encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), CompressionZstd, nil
}

// DecodeBlob reverses EncodeBlob for the named codec.
func DecodeBlob(blob []byte, compression string) ([]byte, error) {
	switch compression {
	case CompressionNone, "":
		return blob, nil
	case CompressionZstd:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer decoder.Close()
		data, err := decoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown snapshot compression %q", compression)
	}
}
