package xmltv

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// Compression identifies how a provider document is encoded on the wire.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
	CompressionXZ    Compression = "xz"
)

// Detect sniffs the magic bytes at the head of br without consuming them.
func Detect(br *bufio.Reader) (Compression, error) {
	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return CompressionNone, fmt.Errorf("peeking header: %w", err)
	}
	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		return CompressionGzip, nil
	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		return CompressionBzip2, nil
	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' &&
		header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		return CompressionXZ, nil
	}
	return CompressionNone, nil
}

// Decompress wraps r so that gzip, bzip2 and xz streams are decoded and
// plain XML passes through unchanged. Closing the result does not close r.
func Decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	kind, err := Detect(br)
	if err != nil {
		return nil, err
	}
	switch kind {
	case CompressionGzip:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gzr, nil
	case CompressionBzip2:
		return io.NopCloser(bzip2.NewReader(br)), nil
	case CompressionXZ:
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return io.NopCloser(xzr), nil
	}
	return io.NopCloser(br), nil
}
