package model

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/atmx/predicta/internal/address"
)

// Persisted sizes of the fixed-layout records, discriminator included.
const (
	MarketSize   = 8 + 32 + 4*(4+MaxNameLen) + 8 + 8 + 1 + 1 + 8 + 8 + 1
	RegistrySize = 8 + 32 + 4 + address.Size*MaxMarkets + 1
)

var (
	// ErrBadDiscriminator is returned when decoding data of another kind.
	ErrBadDiscriminator = errors.New("model: record discriminator mismatch")

	// ErrShortRecord is returned when the buffer ends before the layout does.
	ErrShortRecord = errors.New("model: record data truncated")

	// ErrFieldTooLong is returned when encoding a field over its slot size.
	ErrFieldTooLong = errors.New("model: field exceeds layout bound")
)

var (
	marketDiscriminator   = discriminator("MarketAccount")
	registryDiscriminator = discriminator("RegistryAccount")
)

func discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// MarshalBinary encodes the market in its persisted layout, zero-padded to
// MarketSize. The record's own address is not part of the layout.
func (m *Market) MarshalBinary() ([]byte, error) {
	for _, s := range []string{m.TeamA, m.TeamB, m.League, m.MatchID} {
		if len(s) > MaxNameLen {
			return nil, fmt.Errorf("%w: %q", ErrFieldTooLong, s)
		}
	}

	w := newWriter(MarketSize)
	w.bytes(marketDiscriminator[:])
	w.bytes(m.Authority[:])
	w.str(m.TeamA)
	w.str(m.TeamB)
	w.str(m.League)
	w.str(m.MatchID)
	w.u64(uint64(m.StartTime))
	w.u64(uint64(m.EndTime))
	w.boolean(m.Resolved)
	w.u8(uint8(m.Winner))
	w.u64(m.TotalYes)
	w.u64(m.TotalNo)
	w.u8(m.Nonce)
	return w.padded(MarketSize), nil
}

// UnmarshalBinary decodes a persisted market. Address is left untouched.
func (m *Market) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	if err := r.expect(marketDiscriminator); err != nil {
		return err
	}
	copy(m.Authority[:], r.take(address.Size))
	m.TeamA = r.str()
	m.TeamB = r.str()
	m.League = r.str()
	m.MatchID = r.str()
	m.StartTime = int64(r.u64())
	m.EndTime = int64(r.u64())
	m.Resolved = r.u8() != 0
	m.Winner = Winner(r.u8())
	m.TotalYes = r.u64()
	m.TotalNo = r.u64()
	m.Nonce = r.u8()
	return r.err
}

// MarshalBinary encodes the registry in its persisted layout, zero-padded
// to RegistrySize.
func (r *Registry) MarshalBinary() ([]byte, error) {
	if len(r.Markets) > MaxMarkets {
		return nil, fmt.Errorf("%w: %d markets", ErrFieldTooLong, len(r.Markets))
	}

	w := newWriter(RegistrySize)
	w.bytes(registryDiscriminator[:])
	w.bytes(r.Authority[:])
	w.u32(uint32(len(r.Markets)))
	for _, m := range r.Markets {
		w.bytes(m[:])
	}
	w.u8(r.Nonce)
	return w.padded(RegistrySize), nil
}

// UnmarshalBinary decodes a persisted registry. Address is left untouched.
func (r *Registry) UnmarshalBinary(data []byte) error {
	rd := &reader{buf: data}
	if err := rd.expect(registryDiscriminator); err != nil {
		return err
	}
	copy(r.Authority[:], rd.take(address.Size))
	n := rd.u32()
	if n > MaxMarkets {
		return fmt.Errorf("%w: %d markets", ErrFieldTooLong, n)
	}
	r.Markets = make([]address.Address, 0, n)
	for i := uint32(0); i < n && rd.err == nil; i++ {
		var a address.Address
		copy(a[:], rd.take(address.Size))
		r.Markets = append(r.Markets, a)
	}
	r.Nonce = rd.u8()
	return rd.err
}

type writer struct {
	buf []byte
}

func newWriter(capacity int) *writer {
	return &writer{buf: make([]byte, 0, capacity)}
}

func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }
func (w *writer) u8(v uint8)      { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32)    { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64)    { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) padded(size int) []byte {
	if len(w.buf) < size {
		w.buf = append(w.buf, make([]byte, size-len(w.buf))...)
	}
	return w.buf
}

// reader records the first error and returns zero values afterwards.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.off+n > len(r.buf) {
		r.err = ErrShortRecord
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) expect(d [8]byte) error {
	got := r.take(8)
	if r.err != nil {
		return r.err
	}
	if [8]byte(got) != d {
		return ErrBadDiscriminator
	}
	return nil
}

func (r *reader) u8() uint8   { return r.take(1)[0] }
func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }

func (r *reader) str() string {
	n := r.u32()
	if n > MaxNameLen {
		if r.err == nil {
			r.err = fmt.Errorf("%w: string of %d bytes", ErrFieldTooLong, n)
		}
		return ""
	}
	return string(r.take(int(n)))
}
