package message

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nadorp/logpipe/pkg/apperr"
)

// CurrentVersion is the serialisation version this implementation
// writes. Historic syslog-ng wire versions (1, 10, 11, 12, 20..26) are
// noted in §6 as all being reader-acceptable; this port only ever wrote
// version 1 so it is the only version Deserialize accepts. See
// DESIGN.md for the rationale.
const CurrentVersion byte = 1

// Serialize writes m's on-wire representation: version byte; flags;
// priority; three timestamps; receive id; host id; name-value table;
// tag set; sdata bitmap. Indirect values are resolved to their
// concrete bytes before writing, since a disk frame must stand alone.
func (m *Message) Serialize() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var buf bytes.Buffer
	buf.WriteByte(CurrentVersion)

	var hdr [4 + 4 + 16 + 16 + 16 + 8 + 8]byte
	off := 0
	binary.BigEndian.PutUint32(hdr[off:], m.flags)
	off += 4
	binary.BigEndian.PutUint32(hdr[off:], uint32(m.priority))
	off += 4
	writeTimestamp(hdr[off:], m.recvd)
	off += 16
	writeTimestamp(hdr[off:], m.stamp)
	off += 16
	writeTimestamp(hdr[off:], m.processed)
	off += 16
	binary.BigEndian.PutUint64(hdr[off:], m.receiveID)
	off += 8
	binary.BigEndian.PutUint64(hdr[off:], hashName(m.registry.name()))
	buf.Write(hdr[:])

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(m.values)))
	buf.Write(countBuf[:])

	for _, p := range m.values {
		v := p.value
		if v.Kind == KindIndirect {
			resolved, ok := m.getValueLocked(p.handle, 0)
			if !ok {
				return nil, apperr.Protocol("Serialize", fmt.Sprintf("unresolvable indirect value for handle %d", p.handle))
			}
			v = resolved
		}
		name, ok := m.registry.Name(p.handle)
		if !ok {
			return nil, apperr.Protocol("Serialize", fmt.Sprintf("handle %d not interned in registry", p.handle))
		}
		writeLPString(&buf, name)
		buf.WriteByte(byte(v.Kind))
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v.Bytes)))
		buf.Write(lenBuf[:])
		buf.Write(v.Bytes)
	}

	tags := make([]string, 0, len(m.tags))
	for t := range m.tags {
		tags = append(tags, t)
	}
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(tags)))
	buf.Write(countBuf[:])
	for _, t := range tags {
		writeLPString(&buf, t)
	}

	var sdata [4]byte // reserved bitmap, always zero in this port
	buf.Write(sdata[:])

	return buf.Bytes(), nil
}

// Deserialize parses bytes written by Serialize, interning any unknown
// handle names into reg (or the global registry if nil), per §6
// "unknown handles are interned into the destination registry on
// deserialisation".
func Deserialize(data []byte, reg *Registry) (*Message, error) {
	if reg == nil {
		reg = Global
	}
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, apperr.Protocol("Deserialize", "empty frame")
	}
	if version != CurrentVersion {
		return nil, apperr.Protocol("Deserialize", fmt.Sprintf("unsupported message wire version %d", version))
	}

	var hdr [4 + 4 + 16 + 16 + 16 + 8 + 8]byte
	if _, err := readFull(r, hdr[:]); err != nil {
		return nil, apperr.Protocol("Deserialize", "truncated message header")
	}
	off := 0
	flags := binary.BigEndian.Uint32(hdr[off:])
	off += 4
	priority := int(binary.BigEndian.Uint32(hdr[off:]))
	off += 4
	recvd := readTimestamp(hdr[off:])
	off += 16
	stamp := readTimestamp(hdr[off:])
	off += 16
	processed := readTimestamp(hdr[off:])
	off += 16
	receiveID := binary.BigEndian.Uint64(hdr[off:])
	off += 8
	_ = binary.BigEndian.Uint64(hdr[off:]) // host id fingerprint, informational only

	m := &Message{
		registry:  reg,
		receiveID: receiveID,
		recvd:     recvd,
		stamp:     stamp,
		processed: processed,
		priority:  priority,
		flags:     flags,
		refs:      1,
		tags:      make(map[string]struct{}),
	}

	var countBuf [4]byte
	if _, err := readFull(r, countBuf[:]); err != nil {
		return nil, apperr.Protocol("Deserialize", "truncated value count")
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	m.values = make([]nvPair, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readLPString(r)
		if err != nil {
			return nil, apperr.Protocol("Deserialize", "truncated value name")
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, apperr.Protocol("Deserialize", "truncated value kind")
		}
		if _, err := readFull(r, countBuf[:]); err != nil {
			return nil, apperr.Protocol("Deserialize", "truncated value length")
		}
		length := binary.BigEndian.Uint32(countBuf[:])
		payload := make([]byte, length)
		if _, err := readFull(r, payload); err != nil {
			return nil, apperr.Protocol("Deserialize", "truncated value payload")
		}
		h := reg.Intern(name)
		m.values = append(m.values, nvPair{handle: h, value: Value{Kind: ValueKind(kindByte), Bytes: payload}})
	}
	sortValues(m.values)

	if _, err := readFull(r, countBuf[:]); err != nil {
		return nil, apperr.Protocol("Deserialize", "truncated tag count")
	}
	tagCount := binary.BigEndian.Uint32(countBuf[:])
	for i := uint32(0); i < tagCount; i++ {
		tag, err := readLPString(r)
		if err != nil {
			return nil, apperr.Protocol("Deserialize", "truncated tag")
		}
		m.tags[tag] = struct{}{}
	}

	var sdata [4]byte
	if _, err := readFull(r, sdata[:]); err != nil {
		return nil, apperr.Protocol("Deserialize", "truncated sdata bitmap")
	}

	return m, nil
}

func writeTimestamp(dst []byte, ts Timestamp) {
	binary.BigEndian.PutUint64(dst, uint64(ts.Seconds))
	binary.BigEndian.PutUint32(dst[8:], uint32(ts.Microseconds))
	binary.BigEndian.PutUint32(dst[12:], uint32(ts.GMTOffset))
}

func readTimestamp(src []byte) Timestamp {
	return Timestamp{
		Seconds:      int64(binary.BigEndian.Uint64(src)),
		Microseconds: int32(binary.BigEndian.Uint32(src[8:])),
		GMTOffset:    int32(binary.BigEndian.Uint32(src[12:])),
	}
}

func writeLPString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readLPString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := readFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("short read: wanted %d got %d", len(buf), n)
	}
	return n, nil
}

func sortValues(values []nvPair) {
	// insertion sort: frames carry a small number of distinct handles
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j-1].handle > values[j].handle; j-- {
			values[j-1], values[j] = values[j], values[j-1]
		}
	}
}

// name returns a stable fingerprint source for the registry, used only
// to compute the informational host-id field in the wire format.
func (r *Registry) name() string {
	return "logpipe-registry"
}
