package h5slab_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arraylab/h5slab"
	"github.com/arraylab/h5slab/h5err"
	"github.com/arraylab/h5slab/internal/h5gen"
	"github.com/arraylab/h5slab/pkg/rangecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func writeFile(t *testing.T, name string, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, contents, 0o644))
	return "file://" + path
}

// intFixture builds a file whose root links a 1-D contiguous int32 dataset
// "a" holding 0..9.
func intFixture() []byte {
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

// matrixFixture builds a 4x3 contiguous int32 dataset "c" holding 0..11 in
// row-major order.
func matrixFixture() []byte {
	b := h5gen.New()
	var vals []int32
	for i := int32(0); i < 12; i++ {
		vals = append(vals, i)
	}
	dataAddr := b.Data(h5gen.I32(vals...))
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(4, 3),
		h5gen.MsgDatatypeFixed(4),
		h5gen.MsgLayoutContiguous(dataAddr, 48),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("c", dset)))
	b.SetRoot(root)
	return b.Bytes()
}

func TestReadContiguous(t *testing.T) {
	url := writeFile(t, "scenario1.h5", intFixture())
	slab, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{
		StartRow: 3,
		NumRows:  5,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 5, slab.Elements)
	assert.EqualValues(t, 20, slab.Size)
	assert.EqualValues(t, 5, slab.NumRows)
	assert.EqualValues(t, 1, slab.NumCols)
	assert.EqualValues(t, 4, slab.TypeSize)
	assert.Equal(t, h5slab.Integer, slab.Type)
	assert.Equal(t, h5gen.I32(3, 4, 5, 6, 7), slab.Data)

	// Shape arithmetic holds.
	assert.Equal(t, slab.Size, slab.Elements*slab.TypeSize)
	assert.Equal(t, slab.Size, slab.NumRows*slab.TypeSize*slab.NumCols)
}

func TestReadSharedCacheIdentical(t *testing.T) {
	url := writeFile(t, "sharedcache.h5", intFixture())
	cache := rangecache.New(nil)

	withCache, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{
		NumRows: h5slab.AllRows,
		Cache:   cache,
	})
	require.NoError(t, err)
	without, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{
		NumRows: h5slab.AllRows,
	})
	require.NoError(t, err)
	assert.Equal(t, without.Data, withCache.Data)
}

func TestReadRoundTripLaw(t *testing.T) {
	url := writeFile(t, "roundtrip.h5", intFixture())
	outer, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{
		StartRow: 1,
		NumRows:  8,
	})
	require.NoError(t, err)

	for s := int64(1); s <= 9; s++ {
		for n := int64(0); s+n <= 9; n++ {
			inner, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{
				StartRow: s,
				NumRows:  n,
			})
			require.NoError(t, err)
			lo := (s - 1) * 4
			assert.Equal(t, outer.Data[lo:lo+n*4], append([]byte{}, inner.Data...))
		}
	}
}

func TestReadZeroRows(t *testing.T) {
	url := writeFile(t, "zerorows.h5", intFixture())
	slab, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, slab.Elements)
	assert.EqualValues(t, 0, slab.Size)
	assert.EqualValues(t, 0, slab.NumRows)
	assert.Nil(t, slab.Data)
}

func TestReadColumnExtraction(t *testing.T) {
	url := writeFile(t, "scenario6.h5", matrixFixture())
	slab, err := h5slab.Read(context.Background(), url, "/c", h5slab.Options{
		ValueType: h5slab.Real,
		Column:    1,
		NumRows:   4,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, slab.Elements)
	assert.EqualValues(t, 1, slab.NumCols)
	assert.EqualValues(t, 8, slab.TypeSize)
	assert.Equal(t, h5slab.Real, slab.Type)
	assert.Equal(t, h5gen.F64(1, 4, 7, 10), slab.Data)
}

func TestReadFirstColumnDefault(t *testing.T) {
	url := writeFile(t, "col0.h5", matrixFixture())
	slab, err := h5slab.Read(context.Background(), url, "/c", h5slab.Options{
		NumRows: h5slab.AllRows,
	})
	require.NoError(t, err)
	// col 0 of a multi-column dataset is extracted by default.
	assert.Equal(t, h5gen.I32(0, 3, 6, 9), slab.Data)
	assert.EqualValues(t, 1, slab.NumCols)
	assert.EqualValues(t, 4, slab.NumRows)
}

func TestReadColumnOutOfRange(t *testing.T) {
	url := writeFile(t, "colbad.h5", matrixFixture())
	_, err := h5slab.Read(context.Background(), url, "/c", h5slab.Options{
		Column:  3,
		NumRows: h5slab.AllRows,
	})
	assert.True(t, h5err.IsKind(err, h5err.Bounds))
}

func TestReadCoerceToInteger(t *testing.T) {
	b := h5gen.New()
	dataAddr := b.Data(h5gen.F64(1.9, 2.1, -3.5))
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(3),
		h5gen.MsgDatatypeFloat(8),
		h5gen.MsgLayoutContiguous(dataAddr, 24),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("d", dset)))
	b.SetRoot(root)

	url := writeFile(t, "coerceint.h5", b.Bytes())
	slab, err := h5slab.Read(context.Background(), url, "/d", h5slab.Options{
		ValueType: h5slab.Integer,
		NumRows:   h5slab.AllRows,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, slab.TypeSize)
	assert.Equal(t, h5slab.Integer, slab.Type)
	assert.Equal(t, h5gen.I32(1, 2, -3), slab.Data)
}

func TestReadCoerceToReal(t *testing.T) {
	url := writeFile(t, "coercereal.h5", intFixture())
	slab, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{
		ValueType: h5slab.Real,
		StartRow:  2,
		NumRows:   3,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 8, slab.TypeSize)
	assert.Equal(t, h5gen.F64(2, 3, 4), slab.Data)
	assert.Equal(t, slab.Size, slab.Elements*slab.TypeSize)
}

func TestReadTranslationFails(t *testing.T) {
	// A string-class dataset has no coercion rule to integer.
	b := h5gen.New()
	dataAddr := b.Data([]byte("abcdefgh"))
	dset := b.ObjHeaderV1(
		h5gen.MsgDataspace(2),
		h5gen.Message{Type: 0x03, Data: append(
			[]byte{0x13, 0, 0, 0}, // version 1, class 3 (string)
			4, 0, 0, 0,
		)},
		h5gen.MsgLayoutContiguous(dataAddr, 8),
	)
	root := b.ObjHeaderV2(h5gen.MsgLink(h5gen.LinkHard("t", dset)))
	b.SetRoot(root)

	url := writeFile(t, "text.h5", b.Bytes())
	slab, err := h5slab.Read(context.Background(), url, "/t", h5slab.Options{
		NumRows:         h5slab.AllRows,
		NoErrorChecking: true,
	})
	require.NoError(t, err)
	assert.Equal(t, h5slab.Text, slab.Type)
	assert.Equal(t, []byte("abcdefgh"), slab.Data)

	_, err = h5slab.Read(context.Background(), url, "/t", h5slab.Options{
		ValueType:       h5slab.Integer,
		NumRows:         h5slab.AllRows,
		NoErrorChecking: true,
	})
	assert.True(t, h5err.IsKind(err, h5err.Translation))
}

func TestReadInvalidURL(t *testing.T) {
	_, err := h5slab.Read(context.Background(), "https://example.com/x.h5", "/a", h5slab.Options{})
	assert.True(t, h5err.IsKind(err, h5err.InvalidURL))
}

func TestReadOpenFailed(t *testing.T) {
	url := "file://" + filepath.Join(t.TempDir(), "absent.h5")
	_, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{})
	assert.True(t, h5err.IsKind(err, h5err.OpenFailed))
}

func TestReadErrorCarriesDataset(t *testing.T) {
	url := writeFile(t, "errpath.h5", intFixture())
	_, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{
		StartRow: 100,
		NumRows:  1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(/a)")
}

func TestReadConcurrentSharedCache(t *testing.T) {
	url := writeFile(t, "concurrent.h5", intFixture())
	baseline, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{
		NumRows: h5slab.AllRows,
	})
	require.NoError(t, err)

	cache := rangecache.New(nil)
	var group errgroup.Group
	for i := 0; i < 16; i++ {
		group.Go(func() error {
			slab, err := h5slab.Read(context.Background(), url, "/a", h5slab.Options{
				NumRows: h5slab.AllRows,
				Cache:   cache,
			})
			if err != nil {
				return err
			}
			assert.Equal(t, baseline.Data, slab.Data)
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestReadMeta(t *testing.T) {
	url := writeFile(t, "readmeta.h5", intFixture())
	meta, err := h5slab.ReadMeta(context.Background(), url, "/a", h5slab.Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, meta.TypeSize)
	assert.EqualValues(t, 10, meta.Dims[0])
}
