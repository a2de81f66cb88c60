package columnar

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// normalizeCodec lower-cases and validates a requested codec name. An
// empty string means "no compression" and is always valid.
func normalizeCodec(codec string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(codec))
	switch c {
	case "", "lz4", "zstd":
		return c, nil
	default:
		return "", fmt.Errorf("unsupported compression codec %q", codec)
	}
}

// clampZstdLevel enforces the [1, 22] range, defaulting to 3.
func clampZstdLevel(level int) int {
	if level == 0 {
		return 3
	}
	if level < 1 {
		return 1
	}
	if level > 22 {
		return 22
	}
	return level
}

// compress applies codec to uncompressed in one shot. Compression
// failures are swallowed and the original bytes returned unchanged —
// per the protocol, a codec failure falls back to uncompressed output
// silently rather than failing the request.
func compress(codec string, level int, uncompressed []byte) (out []byte, applied bool) {
	switch codec {
	case "zstd":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(clampZstdLevel(level))))
		if err != nil {
			return uncompressed, false
		}
		defer enc.Close()
		return enc.EncodeAll(uncompressed, nil), true
	case "lz4":
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if err := w.Apply(lz4.CompressionLevelOption(lz4.Level1), lz4.SizeOption(uint64(len(uncompressed)))); err != nil {
			return uncompressed, false
		}
		if _, err := w.Write(uncompressed); err != nil {
			return uncompressed, false
		}
		if err := w.Close(); err != nil {
			return uncompressed, false
		}
		return buf.Bytes(), true
	default:
		return uncompressed, false
	}
}
