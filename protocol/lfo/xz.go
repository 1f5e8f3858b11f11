//go:build !cloudproto_noxz

package lfo

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
)

func init() {
	builtinDecompressors[CompressionXz] = XZ{}
	builtinCompressors[CompressionXz] = XZ{}
}

// XZ handles CompressionXz bodies.
type XZ struct{}

func (XZ) Decompress(compressed []byte, sizeHint int) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if sizeHint > 0 {
		out.Grow(sizeHint)
	}
	// one byte past the hint is enough to report a size mismatch
	if _, err := io.Copy(&out, io.LimitReader(r, int64(sizeHint)+1)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (XZ) Compress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := xz.WriterConfig{CheckSum: xz.CRC32}.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
