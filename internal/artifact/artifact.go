// Package artifact compresses large task artifacts (patch byte streams)
// before they are handed to the persistence collaborator, so a run that
// touches generated files doesn't balloon the task row. Small payloads are
// stored raw; the envelope is self-describing either way.
package artifact

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// compressThreshold is the payload size below which compression isn't
// worth the envelope.
const compressThreshold = 4 * 1024

// Encoding markers. A four-byte prefix keeps decoding independent of any
// out-of-band metadata on the task row.
var (
	magicRaw = []byte("raw\x00")
	magicBr  = []byte("br\x00\x00")
)

// Pack wraps data in a self-describing envelope, brotli-compressed when
// large enough to benefit. Pack never fails; an incompressible payload is
// simply stored raw.
func Pack(data []byte) []byte {
	if len(data) >= compressThreshold {
		var buf bytes.Buffer
		buf.Write(magicBr)
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		_, err := w.Write(data)
		if err == nil {
			err = w.Close()
		}
		if err == nil && buf.Len() < len(data)+len(magicRaw) {
			return buf.Bytes()
		}
	}
	out := make([]byte, 0, len(magicRaw)+len(data))
	out = append(out, magicRaw...)
	return append(out, data...)
}

// Unpack reverses Pack. Bytes without a recognized envelope are returned
// verbatim, so rows written before this envelope existed still decode.
func Unpack(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, magicRaw):
		return data[len(magicRaw):], nil
	case bytes.HasPrefix(data, magicBr):
		r := brotli.NewReader(bytes.NewReader(data[len(magicBr):]))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("artifact: decompress: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}
