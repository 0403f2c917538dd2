package qdisk

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/nadorp/logpipe/pkg/apperr"
)

// frameIntegritySize is the width of the embedded per-record integrity
// check appended after the payload, used during the crash-recovery
// forward walk (§4.5) to distinguish a torn write from a valid frame
// without waiting to deserialise the whole Message.
const frameIntegritySize = 8

// Codec is the optional frame compression hook (§DS "QDisk optional
// frame compression"). A nil Codec stores frames uncompressed.
type Codec interface {
	Compress(p []byte) ([]byte, error)
	Decompress(p []byte) ([]byte, error)
}

// encodeFrame builds the on-disk representation of one record: a
// 4-byte big-endian length, the (possibly compressed) payload, and an
// 8-byte xxhash integrity check over the payload.
func encodeFrame(payload []byte, codec Codec) ([]byte, error) {
	body := payload
	if codec != nil {
		compressed, err := codec.Compress(payload)
		if err != nil {
			return nil, apperr.IO("encodeFrame", "compress failed").Wrap(err)
		}
		body = compressed
	}
	sum := xxhash.Sum64(body)
	frame := make([]byte, 4+len(body)+frameIntegritySize)
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)+frameIntegritySize))
	copy(frame[4:4+len(body)], body)
	binary.BigEndian.PutUint64(frame[4+len(body):], sum)
	return frame, nil
}

// decodeFrame validates and extracts the payload from a raw frame body
// (everything after the 4-byte length prefix, length L bytes). It
// returns an error if the embedded integrity check fails.
func decodeFrame(raw []byte, codec Codec) ([]byte, error) {
	if len(raw) < frameIntegritySize {
		return nil, apperr.New(apperr.KindIO, apperr.CodeIOCorrupt, "qdisk", "decodeFrame", "frame shorter than integrity trailer")
	}
	body := raw[:len(raw)-frameIntegritySize]
	wantSum := binary.BigEndian.Uint64(raw[len(raw)-frameIntegritySize:])
	gotSum := xxhash.Sum64(body)
	if wantSum != gotSum {
		return nil, apperr.New(apperr.KindIO, apperr.CodeIOCorrupt, "qdisk", "decodeFrame", "frame integrity check failed")
	}
	if codec != nil {
		decompressed, err := codec.Decompress(body)
		if err != nil {
			return nil, apperr.New(apperr.KindIO, apperr.CodeIOCorrupt, "qdisk", "decodeFrame", "decompress failed")
		}
		return decompressed, nil
	}
	return body, nil
}
