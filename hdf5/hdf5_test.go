package hdf5_test

import (
	"testing"

	"github.com/arraylab/h5slab/h5err"
	"github.com/arraylab/h5slab/hdf5"
	"github.com/arraylab/h5slab/internal/h5gen"
	"github.com/arraylab/h5slab/pkg/rangecache"
	"github.com/arraylab/h5slab/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, file []byte, resource, dataset string, startRow, numRows int64, cfg hdf5.Config) (*hdf5.DataInfo, error) {
	t.Helper()
	session, err := hdf5.NewSession(storage.NewBytesReader(file), resource, dataset, startRow, numRows, cfg)
	require.NoError(t, err)
	return session.Read()
}

// contiguousFixture builds a file whose root group links dataset "a": ten
// little-endian int32 values 0..9 stored contiguously.
func contiguousFixture() []byte {
	b := h5gen.New()
	dataAddr := b.Data(h5gen.I32(0, 1, 2, 3, 4, 5, 6, 7, 8, 9))
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(10),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutContiguous(dataAddr, 40),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("a", dset)))
	b.SetRoot(root)
	return b.Bytes()
}

func TestContiguousRowRange(t *testing.T) {
	info, err := read(t, contiguousFixture(), "contig.h5", "/a", 3, 5, hdf5.Config{})
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Elements)
	assert.EqualValues(t, 20, info.DataSize)
	assert.EqualValues(t, 5, info.NumRows)
	assert.EqualValues(t, 1, info.NumCols)
	assert.EqualValues(t, 4, info.TypeSize)
	assert.Equal(t, hdf5.TypeFixedPoint, info.Type)
	assert.Equal(t, h5gen.I32(3, 4, 5, 6, 7), info.Data)
}

func TestContiguousAllRows(t *testing.T) {
	info, err := read(t, contiguousFixture(), "contig-all.h5", "a", 0, hdf5.AllRows, hdf5.Config{})
	require.NoError(t, err)
	assert.EqualValues(t, 10, info.Elements)
	assert.Equal(t, h5gen.I32(0, 1, 2, 3, 4, 5, 6, 7, 8, 9), info.Data)
}

func TestContiguousBounds(t *testing.T) {
	_, err := read(t, contiguousFixture(), "contig-bounds.h5", "/a", 8, 4, hdf5.Config{})
	assert.True(t, h5err.IsKind(err, h5err.Bounds))

	// startrow at the end of the dataset with zero rows is allowed.
	info, err := read(t, contiguousFixture(), "contig-bounds.h5", "/a", 10, 0, hdf5.Config{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, info.Elements)
	assert.Nil(t, info.Data)

	_, err = read(t, contiguousFixture(), "contig-bounds.h5", "/a", 10, 1, hdf5.Config{})
	assert.True(t, h5err.IsKind(err, h5err.Bounds))
}

func TestZeroRows(t *testing.T) {
	info, err := read(t, contiguousFixture(), "contig-zero.h5", "/a", 0, 0, hdf5.Config{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, info.Elements)
	assert.EqualValues(t, 0, info.DataSize)
	assert.Nil(t, info.Data)
}

func TestEmptyDataset(t *testing.T) {
	b := h5gen.New()
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(0),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutContiguous(0, 0),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("e", dset)))
	b.SetRoot(root)

	info, err := read(t, b.Bytes(), "empty.h5", "/e", 0, hdf5.AllRows, hdf5.Config{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, info.Elements)
	assert.Nil(t, info.Data)
}

func TestCompactLayout(t *testing.T) {
	b := h5gen.New()
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(4),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutCompact(h5gen.I32(10, 20, 30, 40)),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("c", dset)))
	b.SetRoot(root)

	info, err := read(t, b.Bytes(), "compact.h5", "/c", 1, 2, hdf5.Config{})
	require.NoError(t, err)
	assert.Equal(t, h5gen.I32(20, 30), info.Data)
}

func TestFillValue(t *testing.T) {
	// One stored chunk of four elements; rows 4..7 keep the fill value.
	b := h5gen.New()
	chunk := h5gen.I32(1, 2, 3, 4)
	chunkAddr := b.Data(chunk)
	btree := b.ChunkBTreeLeaf(
		[]h5gen.ChunkKey{
			{Size: uint32(len(chunk)), Slices: []uint64{0}},
			{Size: 0, Slices: []uint64{4}},
		},
		[]uint64{chunkAddr},
	)
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(8),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgFillValue(4, 7),
		h5gen.MsgLayoutChunked(btree, 4, 4),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("f", dset)))
	b.SetRoot(root)

	info, err := read(t, b.Bytes(), "fill.h5", "/f", 0, hdf5.AllRows, hdf5.Config{})
	require.NoError(t, err)
	assert.Equal(t, h5gen.I32(1, 2, 3, 4, 7, 7, 7, 7), info.Data)
}

// chunked2DFixture stores an 8x4 float64 dataset in two deflated [4,4]
// chunks; element (r, c) holds float64(r*4 + c).
func chunked2DFixture() ([]byte, []float64) {
	var vals []float64
	for i := 0; i < 32; i++ {
		vals = append(vals, float64(i))
	}
	raw := h5gen.F64(vals...)

	b := h5gen.New()
	c0 := h5gen.Deflate(raw[:128])
	c1 := h5gen.Deflate(raw[128:])
	a0 := b.Data(c0)
	a1 := b.Data(c1)
	btree := b.ChunkBTreeLeaf(
		[]h5gen.ChunkKey{
			{Size: uint32(len(c0)), Slices: []uint64{0, 0}},
			{Size: uint32(len(c1)), Slices: []uint64{4, 0}},
			{Size: 0, Slices: []uint64{8, 0}},
		},
		[]uint64{a0, a1},
	)
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(8, 4),
		h5gen.MsgDatatypeFloat(8),
		h5gen.MsgLayoutChunked(btree, 8, 4, 4),
		h5gen.MsgFilters(1),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("b", dset)))
	b.SetRoot(root)
	return b.Bytes(), vals
}

func TestChunkedDeflate2D(t *testing.T) {
	file, vals := chunked2DFixture()
	info, err := read(t, file, "chunked2d.h5", "/b", 2, 4, hdf5.Config{})
	require.NoError(t, err)
	assert.EqualValues(t, 16, info.Elements)
	assert.EqualValues(t, 128, info.DataSize)
	assert.EqualValues(t, 4, info.NumRows)
	assert.EqualValues(t, 4, info.NumCols)
	assert.Equal(t, hdf5.TypeFloatingPoint, info.Type)
	assert.Equal(t, h5gen.F64(vals[8:24]...), info.Data)
}

func TestChunkedDeflate2DWholeChunk(t *testing.T) {
	// An aligned read of exactly one chunk inflates straight into the
	// output buffer.
	file, vals := chunked2DFixture()
	info, err := read(t, file, "chunked2d-whole.h5", "/b", 4, 4, hdf5.Config{})
	require.NoError(t, err)
	assert.Equal(t, h5gen.F64(vals[16:32]...), info.Data)
}

// chunked1DShuffleFixture stores 600 int32 values 0..599 in six chunks of
// 100 elements, shuffled then deflated.
func chunked1DShuffleFixture() []byte {
	var vals []int32
	for i := int32(0); i < 600; i++ {
		vals = append(vals, i)
	}
	raw := h5gen.I32(vals...)

	b := h5gen.New()
	var keys []h5gen.ChunkKey
	var addrs []uint64
	for c := 0; c < 6; c++ {
		chunk := h5gen.Deflate(h5gen.Shuffle(raw[c*400:(c+1)*400], 4))
		keys = append(keys, h5gen.ChunkKey{Size: uint32(len(chunk)), Slices: []uint64{uint64(c * 100)}})
		addrs = append(addrs, b.Data(chunk))
	}
	keys = append(keys, h5gen.ChunkKey{Size: 0, Slices: []uint64{600}})
	btree := b.ChunkBTreeLeaf(keys, addrs)
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(600),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutChunked(btree, 4, 100),
		h5gen.MsgFilters(2, 1),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("s", dset)))
	b.SetRoot(root)
	return b.Bytes()
}

func TestChunkedDeflateShuffle1D(t *testing.T) {
	info, err := read(t, chunked1DShuffleFixture(), "shuffle.h5", "/s", 250, 120, hdf5.Config{})
	require.NoError(t, err)
	assert.EqualValues(t, 120, info.Elements)
	var want []int32
	for i := int32(250); i < 370; i++ {
		want = append(want, i)
	}
	assert.Equal(t, h5gen.I32(want...), info.Data)
}

func TestChunkedNoFilter(t *testing.T) {
	b := h5gen.New()
	raw := h5gen.I32(0, 1, 2, 3, 4, 5, 6, 7)
	a0 := b.Data(raw[:16])
	a1 := b.Data(raw[16:])
	btree := b.ChunkBTreeLeaf(
		[]h5gen.ChunkKey{
			{Size: 16, Slices: []uint64{0}},
			{Size: 16, Slices: []uint64{4}},
			{Size: 0, Slices: []uint64{8}},
		},
		[]uint64{a0, a1},
	)
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(8),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutChunked(btree, 4, 4),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("n", dset)))
	b.SetRoot(root)

	info, err := read(t, b.Bytes(), "nofilter.h5", "/n", 2, 4, hdf5.Config{})
	require.NoError(t, err)
	assert.Equal(t, h5gen.I32(2, 3, 4, 5), info.Data)
}

func TestSymbolTablePath(t *testing.T) {
	b := h5gen.New()
	dataAddr := b.Data(h5gen.I32(5, 6, 7, 8))
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(4),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutContiguous(dataAddr, 16),
	)

	subHeap, subOffsets := b.LocalHeap("dset")
	subSnod := b.Snod(h5gen.SymbolTableEntry{NameOffset: subOffsets[0], ObjHdrAddr: dset})
	subBTree := b.GroupBTreeLeaf(subSnod)
	sub := b.ObjHeaderV1(h5gen.MsgSymbolTable(subBTree, subHeap))

	groupHeap, groupOffsets := b.LocalHeap("sub")
	groupSnod := b.Snod(h5gen.SymbolTableEntry{NameOffset: groupOffsets[0], ObjHdrAddr: sub})
	groupBTree := b.GroupBTreeLeaf(groupSnod)
	group := b.ObjHeaderV1(h5gen.MsgSymbolTable(groupBTree, groupHeap))

	rootHeap, rootOffsets := b.LocalHeap("extra", "group")
	rootSnod := b.Snod(
		h5gen.SymbolTableEntry{NameOffset: rootOffsets[0], ObjHdrAddr: group},
		h5gen.SymbolTableEntry{NameOffset: rootOffsets[1], ObjHdrAddr: group},
	)
	rootBTree := b.GroupBTreeLeaf(rootSnod)
	root := b.ObjHeaderV1(h5gen.MsgSymbolTable(rootBTree, rootHeap))
	b.SetRoot(root)

	info, err := read(t, b.Bytes(), "symtab.h5", "/group/sub/dset", 0, hdf5.AllRows, hdf5.Config{})
	require.NoError(t, err)
	assert.Equal(t, h5gen.I32(5, 6, 7, 8), info.Data)
}

func TestFractalHeapPath(t *testing.T) {
	b := h5gen.New()
	dataAddr := b.Data(h5gen.I32(9, 8, 7))
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(3),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutContiguous(dataAddr, 12),
	)

	gHeap := b.FractalHeapDirect(512, h5gen.LinkHard("h", dset))
	g := b.ObjHeaderV2(h5gen.MsgLinkInfo(gHeap))

	rootHeap := b.FractalHeapDirect(512,
		h5gen.LinkHard("other", dset),
		h5gen.LinkHard("g", g),
	)
	root := b.ObjHeaderV2(h5gen.MsgLinkInfo(rootHeap))
	b.SetRoot(root)

	info, err := read(t, b.Bytes(), "frhp.h5", "/g/h", 0, hdf5.AllRows, hdf5.Config{})
	require.NoError(t, err)
	assert.Equal(t, h5gen.I32(9, 8, 7), info.Data)
}

func TestHeaderContinuationV1(t *testing.T) {
	b := h5gen.New()
	dataAddr := b.Data(h5gen.I32(1, 2, 3))
	contAddr, contLen := b.ContinuationBlockV1(h5gen.MsgLayoutContiguous(dataAddr, 12))
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(3),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgContinuation(contAddr, contLen),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("k", dset)))
	b.SetRoot(root)

	info, err := read(t, b.Bytes(), "cont.h5", "/k", 0, hdf5.AllRows, hdf5.Config{})
	require.NoError(t, err)
	assert.Equal(t, h5gen.I32(1, 2, 3), info.Data)
}

func TestUnknownMessageSkipped(t *testing.T) {
	b := h5gen.New()
	dataAddr := b.Data(h5gen.I32(4, 4, 4))
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(3),
		h5gen.Message{Type: 0x0C, Data: make([]byte, 24)}, // attribute, ignored
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutContiguous(dataAddr, 12),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("u", dset)))
	b.SetRoot(root)

	info, err := read(t, b.Bytes(), "unknown.h5", "/u", 0, hdf5.AllRows, hdf5.Config{})
	require.NoError(t, err)
	assert.Equal(t, h5gen.I32(4, 4, 4), info.Data)
}

func TestSuperblockV2(t *testing.T) {
	b := h5gen.NewV2()
	dataAddr := b.Data(h5gen.I32(3, 1, 4, 1, 5))
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(5),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutContiguous(dataAddr, 20),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("v", dset)))
	b.SetRootV2(root)

	info, err := read(t, b.Bytes(), "sbv2.h5", "/v", 0, hdf5.AllRows, hdf5.Config{})
	require.NoError(t, err)
	assert.Equal(t, h5gen.I32(3, 1, 4, 1, 5), info.Data)
}

func TestMissingDataset(t *testing.T) {
	_, err := read(t, contiguousFixture(), "missing.h5", "/nope", 0, hdf5.AllRows, hdf5.Config{})
	assert.True(t, h5err.IsKind(err, h5err.Format))
}

func TestBadDatasetPath(t *testing.T) {
	for _, bad := range []string{"", "/", "//", "/a//b"} {
		_, err := hdf5.NewSession(storage.NewBytesReader(contiguousFixture()), "badpath.h5", bad, 0, 0, hdf5.Config{})
		assert.Error(t, err, "expected error for %q", bad)
	}
}

func TestBadSignature(t *testing.T) {
	file := contiguousFixture()
	file[0] = 'X'
	_, err := read(t, file, "badsig.h5", "/a", 0, hdf5.AllRows, hdf5.Config{})
	assert.True(t, h5err.IsKind(err, h5err.Format))
}

func TestShuffleWithoutDeflateFails(t *testing.T) {
	b := h5gen.New()
	raw := h5gen.I32(0, 1, 2, 3)
	addr := b.Data(raw)
	btree := b.ChunkBTreeLeaf(
		[]h5gen.ChunkKey{
			{Size: 16, Slices: []uint64{0}},
			{Size: 0, Slices: []uint64{4}},
		},
		[]uint64{addr},
	)
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(4),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutChunked(btree, 4, 4),
		h5gen.MsgFilters(2),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("x", dset)))
	b.SetRoot(root)

	_, err := read(t, b.Bytes(), "shuffleonly.h5", "/x", 0, hdf5.AllRows, hdf5.Config{})
	assert.True(t, h5err.IsKind(err, h5err.Format))
}

func TestUnsupportedFilterFails(t *testing.T) {
	b := h5gen.New()
	btree := b.ChunkBTreeLeaf(
		[]h5gen.ChunkKey{
			{Size: 16, Slices: []uint64{0}},
			{Size: 0, Slices: []uint64{4}},
		},
		[]uint64{0},
	)
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(4),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutChunked(btree, 4, 4),
		h5gen.MsgFilters(3), // fletcher32
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("y", dset)))
	b.SetRoot(root)

	_, err := read(t, b.Bytes(), "fletcher.h5", "/y", 0, hdf5.AllRows, hdf5.Config{})
	assert.True(t, h5err.IsKind(err, h5err.Format))
}

func TestFiltersOnContiguousFails(t *testing.T) {
	b := h5gen.New()
	dataAddr := b.Data(h5gen.I32(1, 2))
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(2),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutContiguous(dataAddr, 8),
		h5gen.MsgFilters(1),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("z", dset)))
	b.SetRoot(root)

	_, err := read(t, b.Bytes(), "filtcontig.h5", "/z", 0, hdf5.AllRows, hdf5.Config{})
	assert.True(t, h5err.IsKind(err, h5err.Format))
}

func TestMemoIdempotent(t *testing.T) {
	file := contiguousFixture()
	cache := rangecache.New(nil)
	cfg := hdf5.Config{Cache: cache}

	first, err := read(t, file, "memo.h5", "/a", 2, 3, cfg)
	require.NoError(t, err)
	after := cache.Stats()

	// The second read resolves metadata from the memo and its data fetch
	// hits the shared cache: no new back-end requests at all.
	second, err := read(t, file, "memo.h5", "/a", 2, 3, cfg)
	require.NoError(t, err)
	assert.Equal(t, after, cache.Stats())
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.TypeSize, second.TypeSize)
	assert.Equal(t, first.NumCols, second.NumCols)
}

func TestReadMeta(t *testing.T) {
	session, err := hdf5.NewSession(storage.NewBytesReader(contiguousFixture()), "meta.h5", "/a", 0, 0, hdf5.Config{})
	require.NoError(t, err)
	meta, err := session.ReadMeta()
	require.NoError(t, err)
	assert.Equal(t, hdf5.TypeFixedPoint, meta.Type)
	assert.EqualValues(t, 4, meta.TypeSize)
	assert.Equal(t, hdf5.LayoutContiguous, meta.Layout)
	assert.Equal(t, 1, meta.NDims)
	assert.EqualValues(t, 10, meta.Dims[0])
	assert.EqualValues(t, 8, meta.OffsetSize)
}

func TestNoErrorChecking(t *testing.T) {
	// With validation relaxed, signatures are skipped positionally and the
	// same bytes come back.
	info, err := read(t, contiguousFixture(), "nocheck.h5", "/a", 3, 5, hdf5.Config{NoErrorChecking: true})
	require.NoError(t, err)
	assert.Equal(t, h5gen.I32(3, 4, 5, 6, 7), info.Data)
}
