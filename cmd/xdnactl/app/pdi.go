package app

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
)

// lz4FrameMagic starts every LZ4 frame.
var lz4FrameMagic = []byte{0x04, 0x22, 0x4d, 0x18}

// loadPDI reads a PDI image. LZ4-framed files are decompressed.
func loadPDI(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDI %s: %w", path, err)
	}
	if !bytes.HasPrefix(data, lz4FrameMagic) {
		return data, nil
	}

	image, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress PDI %s: %w", path, err)
	}
	return image, nil
}

// syntheticPDI returns a placeholder image for runs without --pdi.
func syntheticPDI(idx, size int) []byte {
	image := make([]byte, size)
	for i := range image {
		image[i] = byte(i + idx)
	}
	return image
}
