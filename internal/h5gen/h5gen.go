// Package h5gen builds small HDF5 files byte by byte for tests: a v0 or v2
// superblock, v1 and v2 object headers, the header messages a dataset
// needs, symbol-table groups, a single-direct-block fractal heap, and v1
// chunk B-trees. Offsets and lengths are always 8 bytes.
package h5gen

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/klauspost/compress/zlib"
)

const invalidAddr = ^uint64(0)

// Builder accumulates a file image. Objects are appended bottom-up and
// their offsets fed to the structures that point at them; the root object
// header address is patched into the superblock last.
type Builder struct {
	buf []byte
}

// New starts a file image with a v0 superblock using 8-byte offsets and
// lengths. Patch the root object header address with SetRoot before
// calling Bytes.
func New() *Builder {
	b := &Builder{}
	b.Raw(0x89, 'H', 'D', 'F', 0x0D, 0x0A, 0x1A, 0x0A)
	b.Raw(0, 0, 0, 0, 0) // superblock, free space, root table versions, reserved, shared header version
	b.Raw(8, 8)          // size of offsets, size of lengths
	b.U16(4)             // group leaf k
	b.U16(16)            // group internal k
	b.padTo(64)
	b.U64(0) // root object header address, patched by SetRoot
	b.padTo(96)
	return b
}

// NewV2 starts a file image with a v2 superblock using 8-byte offsets and
// lengths. Patch the root object header address with SetRootV2.
func NewV2() *Builder {
	b := &Builder{}
	b.Raw(0x89, 'H', 'D', 'F', 0x0D, 0x0A, 0x1A, 0x0A)
	b.Raw(2)           // superblock version
	b.Raw(8, 8)        // size of offsets, size of lengths
	b.Raw(0)           // file consistency flags
	b.U64(0)           // base address
	b.U64(invalidAddr) // superblock extension address
	b.U64(0)           // end of file address
	b.U64(0)           // root object header address, patched by SetRootV2
	b.U32(0)           // checksum
	b.padTo(96)
	return b
}

// SetRootV2 patches the root object header address into a v2 superblock.
func (b *Builder) SetRootV2(addr uint64) {
	binary.LittleEndian.PutUint64(b.buf[36:], addr)
}

func (b *Builder) Len() uint64      { return uint64(len(b.buf)) }
func (b *Builder) Bytes() []byte    { return b.buf }
func (b *Builder) Raw(v ...byte)    { b.buf = append(b.buf, v...) }
func (b *Builder) pad(n int)        { b.buf = append(b.buf, make([]byte, n)...) }
func (b *Builder) padTo(off uint64) { b.pad(int(off - b.Len())) }

func (b *Builder) U16(v uint16) {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
}

func (b *Builder) U32(v uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

func (b *Builder) U64(v uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
}

// SetRoot patches the root object header address into the superblock.
func (b *Builder) SetRoot(addr uint64) {
	binary.LittleEndian.PutUint64(b.buf[64:], addr)
}

// A Message is one object header message payload.
type Message struct {
	Type uint16
	Data []byte
}

// ObjHeaderV1 appends a v1 object header holding msgs, each padded to an
// 8-byte boundary, and returns its address.
func (b *Builder) ObjHeaderV1(msgs ...Message) uint64 {
	addr := b.Len()
	var size uint64
	for _, m := range msgs {
		size += 8 + uint64(padded8(len(m.Data)))
	}
	b.Raw(1, 0)               // version, reserved
	b.U16(uint16(len(msgs)))  // header message count
	b.U32(1)                  // object reference count
	b.U64(size)               // header size
	for _, m := range msgs {
		b.U16(m.Type)
		b.U16(uint16(padded8(len(m.Data))))
		b.Raw(0, 0, 0, 0) // flags, reserved
		b.Raw(m.Data...)
		b.pad(padded8(len(m.Data)) - len(m.Data))
	}
	return addr
}

// ObjHeaderV2 appends a v2 object header holding msgs in compact form and
// returns its address.
func (b *Builder) ObjHeaderV2(msgs ...Message) uint64 {
	addr := b.Len()
	var size uint64
	for _, m := range msgs {
		size += 4 + uint64(len(m.Data))
	}
	b.Raw('O', 'H', 'D', 'R')
	b.Raw(2, 0)         // version, flags: 1-byte size of chunk 0
	b.Raw(byte(size))   // size of chunk 0
	for _, m := range msgs {
		b.Raw(byte(m.Type))
		b.U16(uint16(len(m.Data)))
		b.Raw(0) // message flags
		b.Raw(m.Data...)
	}
	b.U32(0) // checksum
	return addr
}

func padded8(n int) int {
	if rem := n % 8; rem > 0 {
		return n + 8 - rem
	}
	return n
}

func le16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }
func le32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
func le64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// MsgDataspace builds a v1 dataspace message with the given extents.
func MsgDataspace(dims ...uint64) Message {
	data := []byte{1, byte(len(dims)), 0, 0, 0, 0, 0, 0}
	for _, d := range dims {
		data = append(data, le64(d)...)
	}
	return Message{Type: 0x01, Data: data}
}

// MsgDatatypeFixed builds a v1 fixed-point datatype message of the given
// byte size.
func MsgDatatypeFixed(size uint32) Message {
	return Message{Type: 0x03, Data: cat(
		le32(0x10), // version 1, class 0, little-endian
		le32(size),
		le16(0),              // bit offset
		le16(uint16(8*size)), // bit precision
	)}
}

// MsgDatatypeFloat builds a v1 floating-point datatype message of the
// given byte size.
func MsgDatatypeFloat(size uint32) Message {
	return Message{Type: 0x03, Data: cat(
		le32(0x11), // version 1, class 1, little-endian
		le32(size),
		le16(0),              // bit offset
		le16(uint16(8*size)), // bit precision
		[]byte{52, 11, 0, 52},
		le32(1023), // exponent bias
	)}
}

// MsgFillValue builds a v2 fill value message carrying size bytes of fill.
func MsgFillValue(size uint32, fill uint64) Message {
	data := []byte{2, 2, 0, 1}
	data = append(data, le32(size)...)
	data = append(data, le64(fill)[:size]...)
	return Message{Type: 0x05, Data: data}
}

// MsgFillValueUndefined builds a v2 fill value message with no fill.
func MsgFillValueUndefined() Message {
	return Message{Type: 0x05, Data: []byte{2, 2, 0, 0}}
}

// MsgLayoutContiguous builds a v3 contiguous layout message.
func MsgLayoutContiguous(addr, size uint64) Message {
	return Message{Type: 0x08, Data: cat([]byte{3, 1}, le64(addr), le64(size))}
}

// MsgLayoutCompact builds a v3 compact layout message with inline data.
func MsgLayoutCompact(data []byte) Message {
	return Message{Type: 0x08, Data: cat([]byte{3, 0}, le16(uint16(len(data))), data)}
}

// MsgLayoutChunked builds a v3 chunked layout message. chunkDims are in
// element units; the stored dimensionality is one over the rank.
func MsgLayoutChunked(btreeAddr uint64, elementSize uint32, chunkDims ...uint32) Message {
	data := []byte{3, 2, byte(len(chunkDims) + 1)}
	data = append(data, le64(btreeAddr)...)
	for _, d := range chunkDims {
		data = append(data, le32(d)...)
	}
	data = append(data, le32(elementSize)...)
	return Message{Type: 0x08, Data: data}
}

// MsgFilters builds a v1 filter pipeline message for the given filter ids.
func MsgFilters(ids ...uint16) Message {
	data := []byte{1, byte(len(ids)), 0, 0, 0, 0, 0, 0}
	for _, id := range ids {
		data = append(data, cat(le16(id), le16(0), le16(1), le16(0))...)
	}
	return Message{Type: 0x0B, Data: data}
}

// LinkHard builds the body of a v1 hard link message; usable both as an
// object header message and as a fractal heap object.
func LinkHard(name string, objHdrAddr uint64) []byte {
	data := []byte{1, 0, byte(len(name))}
	data = append(data, name...)
	data = append(data, le64(objHdrAddr)...)
	return data
}

// MsgLink wraps a link body as an object header message.
func MsgLink(body []byte) Message {
	return Message{Type: 0x06, Data: body}
}

// MsgLinkInfo builds a v0 link info message pointing at a fractal heap.
func MsgLinkInfo(heapAddr uint64) Message {
	return Message{Type: 0x02, Data: cat([]byte{0, 0}, le64(heapAddr), le64(invalidAddr))}
}

// MsgSymbolTable builds a v1 symbol table message.
func MsgSymbolTable(btreeAddr, heapAddr uint64) Message {
	return Message{Type: 0x11, Data: cat(le64(btreeAddr), le64(heapAddr))}
}

// MsgContinuation builds a header continuation message pointing at a block
// of further messages.
func MsgContinuation(offset, length uint64) Message {
	return Message{Type: 0x10, Data: cat(le64(offset), le64(length))}
}

// ContinuationBlockV1 appends a block of raw v1 messages for a v1 header
// continuation and returns its address and length.
func (b *Builder) ContinuationBlockV1(msgs ...Message) (addr, length uint64) {
	addr = b.Len()
	for _, m := range msgs {
		b.U16(m.Type)
		b.U16(uint16(padded8(len(m.Data))))
		b.Raw(0, 0, 0, 0) // flags, reserved
		b.Raw(m.Data...)
		b.pad(padded8(len(m.Data)) - len(m.Data))
	}
	return addr, b.Len() - addr
}

// LocalHeap appends a local heap whose data segment holds the given
// NUL-terminated names and returns the heap's address plus each name's
// offset within the data segment.
func (b *Builder) LocalHeap(names ...string) (addr uint64, offsets []uint64) {
	var data []byte
	for _, name := range names {
		offsets = append(offsets, uint64(len(data)))
		data = append(data, name...)
		data = append(data, 0)
	}
	dataAddr := b.Len()
	b.Raw(data...)

	addr = b.Len()
	b.Raw('H', 'E', 'A', 'P')
	b.Raw(0)                       // version
	b.pad(3)                       // reserved
	b.U64(uint64(len(data)))       // data segment size
	b.U64(invalidAddr)             // free list head
	b.U64(dataAddr)                // data segment address
	return addr, offsets
}

// SymbolTableEntry names one link in a SNOD leaf.
type SymbolTableEntry struct {
	NameOffset uint64
	ObjHdrAddr uint64
}

// Snod appends one symbol table leaf node and returns its address.
func (b *Builder) Snod(entries ...SymbolTableEntry) uint64 {
	addr := b.Len()
	b.Raw('S', 'N', 'O', 'D')
	b.Raw(1, 0) // version, reserved
	b.U16(uint16(len(entries)))
	for _, e := range entries {
		b.U64(e.NameOffset)
		b.U64(e.ObjHdrAddr)
		b.U32(0) // cache type
		b.pad(20)
	}
	return addr
}

// GroupBTreeLeaf appends a single-leaf group B-tree over the given symbol
// table nodes and returns its address.
func (b *Builder) GroupBTreeLeaf(snodAddrs ...uint64) uint64 {
	addr := b.Len()
	b.Raw('T', 'R', 'E', 'E')
	b.Raw(0, 0) // node type 0, level 0
	b.U16(uint16(len(snodAddrs)))
	b.U64(invalidAddr) // left sibling
	b.U64(invalidAddr) // right sibling
	b.U64(0)           // first key
	for _, a := range snodAddrs {
		b.U64(a)
		b.U64(0) // next key
	}
	return addr
}

// FractalHeapDirect appends a fractal heap whose root is one direct block
// holding the given link message bodies, and returns the heap header
// address.
func (b *Builder) FractalHeapDirect(blockSize uint64, links ...[]byte) uint64 {
	// Direct block first so the header can point at it. Block offset size
	// derives from the 32-bit max heap size below.
	blockAddr := b.Len()
	headerAddrFixup := len(b.buf) + 5
	b.Raw('F', 'H', 'D', 'B')
	b.Raw(0)     // version
	b.U64(0)     // heap header address, patched below
	b.pad(4)     // block offset (4 bytes for a 32-bit heap)
	for _, l := range links {
		b.Raw(l...)
	}
	b.padTo(blockAddr + blockSize)

	addr := b.Len()
	b.Raw('F', 'R', 'H', 'P')
	b.Raw(0)              // version
	b.U16(8)              // heap id length
	b.U16(0)              // io filter length
	b.Raw(0)              // flags: no direct block checksums
	b.U32(4096)           // max managed object size
	b.U64(0)              // next huge object id
	b.U64(invalidAddr)    // huge object b-tree
	b.U64(0)              // free space in managed blocks
	b.U64(invalidAddr)    // free space manager
	b.U64(blockSize)      // managed space
	b.U64(blockSize)      // allocated managed space
	b.U64(0)              // direct block allocation iterator
	b.U64(uint64(len(links))) // managed objects
	b.U64(0)              // huge object size
	b.U64(0)              // huge objects
	b.U64(0)              // tiny object size
	b.U64(0)              // tiny objects
	b.U16(4)              // table width
	b.U64(blockSize)      // starting block size
	b.U64(blockSize)      // max direct block size
	b.U16(32)             // max heap size (bits)
	b.U16(0)              // starting rows
	b.U64(blockAddr)      // root block address
	b.U16(0)              // current rows: root is a direct block
	b.U32(0)              // checksum
	binary.LittleEndian.PutUint64(b.buf[headerAddrFixup:], addr)
	return addr
}

// ChunkKey is one v1 chunk B-tree key: the stored chunk byte size and its
// starting element coordinates per dimension.
type ChunkKey struct {
	Size   uint32
	Slices []uint64
}

// ChunkBTreeLeaf appends a single leaf chunk B-tree node. keys must hold
// one more entry than addrs; the final key's Size of 0 marks the upper
// bound.
func (b *Builder) ChunkBTreeLeaf(keys []ChunkKey, addrs []uint64) uint64 {
	addr := b.Len()
	b.Raw('T', 'R', 'E', 'E')
	b.Raw(1, 0) // node type 1, level 0
	b.U16(uint16(len(addrs)))
	b.U64(invalidAddr) // left sibling
	b.U64(invalidAddr) // right sibling
	writeKey := func(k ChunkKey) {
		b.U32(k.Size)
		b.U32(0) // filter mask
		for _, s := range k.Slices {
			b.U64(s)
		}
		b.U64(0) // trailing element offset
	}
	writeKey(keys[0])
	for i, a := range addrs {
		b.U64(a)
		writeKey(keys[i+1])
	}
	return addr
}

// Data appends raw bytes and returns their address.
func (b *Builder) Data(data []byte) uint64 {
	addr := b.Len()
	b.Raw(data...)
	return addr
}

// Deflate compresses data with zlib framing, as HDF5's deflate filter
// stores it.
func Deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Shuffle applies the byte shuffle filter: element bytes are scattered
// into typeSize planes.
func Shuffle(data []byte, typeSize int) []byte {
	n := len(data) / typeSize
	out := make([]byte, len(data))
	for e := 0; e < n; e++ {
		for p := 0; p < typeSize; p++ {
			out[p*n+e] = data[e*typeSize+p]
		}
	}
	return out
}

// I32 packs little-endian int32 values.
func I32(vals ...int32) []byte {
	var out []byte
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, uint32(v))
	}
	return out
}

// F64 packs little-endian float64 values.
func F64(vals ...float64) []byte {
	var out []byte
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
	}
	return out
}
