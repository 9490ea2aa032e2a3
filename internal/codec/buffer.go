package codec

import "strings"

// BufferFlag is a bitmask describing an encoded buffer.
type BufferFlag uint32

// Buffer flags.
const (
	FlagNone        BufferFlag = 0
	FlagKeyFrame    BufferFlag = 1 << 0
	FlagCodecConfig BufferFlag = 1 << 1
	FlagEndOfStream BufferFlag = 1 << 2
)

// Has reports whether all bits of flag are set.
func (f BufferFlag) Has(flag BufferFlag) bool {
	return f&flag == flag && flag != 0
}

// String returns the set flags joined with "|".
func (f BufferFlag) String() string {
	if f == FlagNone {
		return "none"
	}
	var parts []string
	if f.Has(FlagKeyFrame) {
		parts = append(parts, "key")
	}
	if f.Has(FlagCodecConfig) {
		parts = append(parts, "config")
	}
	if f.Has(FlagEndOfStream) {
		parts = append(parts, "eos")
	}
	return strings.Join(parts, "|")
}

// BufferInfo is the metadata of one encoded output buffer. The payload is
// buf[Offset:Offset+Size] of the buffer it was dequeued with.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlag
}

// Set overwrites all fields at once.
func (b *BufferInfo) Set(offset, size int, ptsUs int64, flags BufferFlag) {
	b.Offset = offset
	b.Size = size
	b.PresentationTimeUs = ptsUs
	b.Flags = flags
}

// IsEndOfStream reports whether the end of stream flag is set.
func (b BufferInfo) IsEndOfStream() bool {
	return b.Flags.Has(FlagEndOfStream)
}

// IsKeyFrame reports whether the key frame flag is set.
func (b BufferInfo) IsKeyFrame() bool {
	return b.Flags.Has(FlagKeyFrame)
}

// IsCodecConfig reports whether the codec config flag is set.
func (b BufferInfo) IsCodecConfig() bool {
	return b.Flags.Has(FlagCodecConfig)
}

// Within reports whether the payload described by b lies inside a buffer
// of n bytes.
func (b BufferInfo) Within(n int) bool {
	return b.Offset >= 0 && b.Size >= 0 && b.Offset <= n && b.Size <= n-b.Offset
}

// Payload returns the slice of buf described by b, clamped to buf's bounds.
// Callers that must reject malformed descriptors check Within first.
func (b BufferInfo) Payload(buf []byte) []byte {
	if b.Size <= 0 || b.Offset < 0 || b.Offset >= len(buf) {
		return nil
	}
	end := b.Offset + b.Size
	if end > len(buf) {
		end = len(buf)
	}
	return buf[b.Offset:end]
}
