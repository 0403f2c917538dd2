package qdisk

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nadorp/logpipe/pkg/apperr"
)

// HeaderSize is the total size, in bytes, of the fixed header region
// that precedes the ring body (§6 "On-disk queue format").
const HeaderSize = 4096

// headerFixedSize is the number of bytes actually occupied by named
// fields; the rest up to HeaderSize is zero-filled reserved space.
const headerFixedSize = 64

// Magic values identify reliable vs non-reliable queues.
var (
	MagicReliable    = [4]byte{'S', 'L', 'R', 'Q'}
	MagicNonReliable = [4]byte{'S', 'L', 'Q', 'F'}
)

// CurrentVersion is the only header version this port writes or reads.
const CurrentVersion uint32 = 1

// Header flag bits.
const (
	HeaderFlagCompacted    uint32 = 1 << 0
	HeaderFlagPreallocated uint32 = 1 << 1
)

// Header is the fixed 4 KiB region at the start of a queue file,
// laid out exactly per §6's offset table.
type Header struct {
	Magic        [4]byte
	Version      uint32
	WriterHead   uint64
	ReaderHead   uint64
	BacklogHead  uint64
	BacklogCount uint64
	Length       uint64
	MaxSize      uint64
	Flags        uint32
}

// Reliable reports whether the header's magic marks a reliable queue.
func (h *Header) Reliable() bool { return h.Magic == MagicReliable }

// Marshal encodes h into a HeaderSize-byte buffer, computing and
// appending the CRC32 checksum over bytes 0..59.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], h.WriterHead)
	binary.BigEndian.PutUint64(buf[16:24], h.ReaderHead)
	binary.BigEndian.PutUint64(buf[24:32], h.BacklogHead)
	binary.BigEndian.PutUint64(buf[32:40], h.BacklogCount)
	binary.BigEndian.PutUint64(buf[40:48], h.Length)
	binary.BigEndian.PutUint64(buf[48:56], h.MaxSize)
	binary.BigEndian.PutUint32(buf[56:60], h.Flags)
	checksum := crc32.ChecksumIEEE(buf[0:60])
	binary.BigEndian.PutUint32(buf[60:64], checksum)
	return buf
}

// UnmarshalHeader decodes and validates a HeaderSize-byte buffer,
// rejecting a bad magic, unsupported version, or checksum mismatch.
func UnmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < headerFixedSize {
		return nil, apperr.IO("UnmarshalHeader", "header buffer too short")
	}
	h := &Header{}
	copy(h.Magic[:], buf[0:4])
	if h.Magic != MagicReliable && h.Magic != MagicNonReliable {
		return nil, apperr.New(apperr.KindIO, apperr.CodeIOCorrupt, "qdisk", "UnmarshalHeader", "bad magic")
	}
	h.Version = binary.BigEndian.Uint32(buf[4:8])
	if h.Version != CurrentVersion {
		return nil, apperr.New(apperr.KindIO, apperr.CodeIOCorrupt, "qdisk", "UnmarshalHeader", "unsupported header version")
	}
	h.WriterHead = binary.BigEndian.Uint64(buf[8:16])
	h.ReaderHead = binary.BigEndian.Uint64(buf[16:24])
	h.BacklogHead = binary.BigEndian.Uint64(buf[24:32])
	h.BacklogCount = binary.BigEndian.Uint64(buf[32:40])
	h.Length = binary.BigEndian.Uint64(buf[40:48])
	h.MaxSize = binary.BigEndian.Uint64(buf[48:56])
	h.Flags = binary.BigEndian.Uint32(buf[56:60])
	want := binary.BigEndian.Uint32(buf[60:64])
	got := crc32.ChecksumIEEE(buf[0:60])
	if want != got {
		return nil, apperr.New(apperr.KindIO, apperr.CodeIOCorrupt, "qdisk", "UnmarshalHeader", "header checksum mismatch")
	}
	return h, nil
}
