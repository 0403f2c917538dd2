package qdisk

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/nadorp/logpipe/pkg/apperr"
)

// CodecName selects one of the optional frame compression codecs
// (§DS "QDisk optional frame compression").
type CodecName string

const (
	CodecNone   CodecName = ""
	CodecSnappy CodecName = "snappy"
	CodecZstd   CodecName = "zstd"
	CodecLZ4    CodecName = "lz4"
)

// NewCodec resolves a CodecName to a Codec, or nil for CodecNone.
func NewCodec(name CodecName) (Codec, error) {
	switch name {
	case CodecNone:
		return nil, nil
	case CodecSnappy:
		return snappyCodec{}, nil
	case CodecZstd:
		return newZstdCodec()
	case CodecLZ4:
		return lz4Codec{}, nil
	default:
		return nil, apperr.Config("NewCodec", "unknown qdisk frame codec "+string(name))
	}
}

type snappyCodec struct{}

func (snappyCodec) Compress(p []byte) ([]byte, error) {
	return snappy.Encode(nil, p), nil
}

func (snappyCodec) Decompress(p []byte) ([]byte, error) {
	return snappy.Decode(nil, p)
}

type lz4Codec struct{}

func (lz4Codec) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(p []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(p))
	return io.ReadAll(r)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Compress(p []byte) ([]byte, error) {
	return c.enc.EncodeAll(p, nil), nil
}

func (c *zstdCodec) Decompress(p []byte) ([]byte, error) {
	return c.dec.DecodeAll(p, nil)
}
