// Package h5slab reads row ranges out of HDF5 datasets stored on a local
// filesystem or in S3, returning one contiguous in-memory slab per
// request. It parses just enough of the HDF5 format to find a dataset and
// fetch the minimum number of byte ranges covering the requested rows; no
// HDF5 library is linked and nothing is ever written.
package h5slab

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/arraylab/h5slab/h5err"
	"github.com/arraylab/h5slab/hdf5"
	"github.com/arraylab/h5slab/pkg/rangecache"
	"github.com/arraylab/h5slab/pkg/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ValueType selects the element type of a returned slab. Dynamic keeps the
// dataset's own type; Integer and Real coerce every element to int32 and
// float64 respectively.
type ValueType int

const (
	Dynamic ValueType = iota
	Integer
	Real
	Text
)

func (v ValueType) String() string {
	switch v {
	case Dynamic:
		return "dynamic"
	case Integer:
		return "integer"
	case Real:
		return "real"
	case Text:
		return "text"
	}
	return "unknown"
}

// AllRows as Options.NumRows means "to the end of the first dimension".
const AllRows = hdf5.AllRows

// A Slab owns one contiguous row-major buffer plus its shape and type
// descriptors.
type Slab struct {
	Elements int64
	Size     int64
	NumRows  int64
	NumCols  int64
	TypeSize int64
	Type     ValueType
	Data     []byte
}

// Options parameterizes a Read. The zero value reads zero rows of raw
// data; pass NumRows: AllRows for a whole dataset.
type Options struct {
	ValueType ValueType
	// Column selects one column of a multi-column dataset. With more than
	// one column per row the selected column (0 by default) is extracted
	// into a fresh buffer.
	Column   int64
	StartRow int64
	NumRows  int64
	// Cache, when non-nil, is shared with the caller across reads of the
	// same file. Each call otherwise runs a private cache.
	Cache *rangecache.Cache
	// NoErrorChecking relaxes signature and version validation.
	NoErrorChecking bool
	// Verbose logs the structures walked at debug level.
	Verbose bool
	Logger  *zap.Logger
}

// Read returns rows [StartRow, StartRow+NumRows) of the named dataset
// within the HDF5 file at url (file:// or s3://). Errors carry the dataset
// path and one of the h5err kinds.
func Read(ctx context.Context, url, dataset string, opts Options) (slab *Slab, err error) {
	defer func() {
		if err != nil {
			slab = nil
			err = h5err.WithDataset(err, dataset)
		}
	}()

	uri, err := storage.ParseURI(url)
	if err != nil {
		return nil, err
	}
	rdr, err := storage.NewEngine(uri).Get(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, rdr.Close())
	}()

	session, err := hdf5.NewSession(rdr, uri.Resource(), dataset, opts.StartRow, opts.NumRows, hdf5.Config{
		Cache:           opts.Cache,
		NoErrorChecking: opts.NoErrorChecking,
		Verbose:         opts.Verbose,
		Logger:          opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	info, err := session.Read()
	if err != nil {
		return nil, err
	}

	slab = &Slab{
		Elements: info.Elements,
		Size:     info.DataSize,
		NumRows:  info.NumRows,
		NumCols:  info.NumCols,
		TypeSize: info.TypeSize,
		Type:     valueTypeOf(info.Type),
		Data:     info.Data,
	}
	if slab.Elements == 0 {
		// An empty range carries no shape: every count is zero.
		slab.NumCols = 0
		slab.TypeSize = 0
		return slab, nil
	}

	if slab.NumCols > 1 {
		if err := extractColumn(slab, opts.Column); err != nil {
			return nil, err
		}
	}
	switch opts.ValueType {
	case Integer:
		err = coerceToInt32(slab)
	case Real:
		err = coerceToFloat64(slab)
	}
	if err != nil {
		return nil, err
	}
	return slab, nil
}

// ReadMeta resolves the dataset's metadata without materializing any data,
// priming the process-wide memo along the way.
func ReadMeta(ctx context.Context, url, dataset string, opts Options) (meta hdf5.DatasetMeta, err error) {
	defer func() {
		err = h5err.WithDataset(err, dataset)
	}()

	uri, err := storage.ParseURI(url)
	if err != nil {
		return hdf5.DatasetMeta{}, err
	}
	rdr, err := storage.NewEngine(uri).Get(ctx, uri)
	if err != nil {
		return hdf5.DatasetMeta{}, err
	}
	defer func() {
		err = multierr.Append(err, rdr.Close())
	}()

	session, err := hdf5.NewSession(rdr, uri.Resource(), dataset, 0, 0, hdf5.Config{
		Cache:           opts.Cache,
		NoErrorChecking: opts.NoErrorChecking,
		Verbose:         opts.Verbose,
		Logger:          opts.Logger,
	})
	if err != nil {
		return hdf5.DatasetMeta{}, err
	}
	return session.ReadMeta()
}

func valueTypeOf(t hdf5.TypeClass) ValueType {
	switch t {
	case hdf5.TypeFixedPoint:
		return Integer
	case hdf5.TypeFloatingPoint:
		return Real
	case hdf5.TypeString:
		return Text
	}
	return Dynamic
}

// extractColumn replaces the slab's buffer with one column of it. The
// source stride is typesize*numcols and the destination stride typesize.
func extractColumn(slab *Slab, col int64) error {
	if col < 0 || col >= slab.NumCols {
		return h5err.E(h5err.Bounds, "column %d outside of %d columns", col, slab.NumCols)
	}
	colSize := slab.Size / slab.NumCols
	rowStride := slab.Size / slab.NumRows
	colStride := rowStride / slab.NumCols
	out := make([]byte, colSize)
	for row := int64(0); row < slab.NumRows; row++ {
		src := row*rowStride + col*colStride
		copy(out[row*colStride:], slab.Data[src:src+colStride])
	}
	slab.Data = out
	slab.Size = colSize
	slab.Elements /= slab.NumCols
	slab.NumCols = 1
	return nil
}

// element returns element i of the slab as a uint64 bit pattern at the
// slab's type size.
func element(slab *Slab, i int64) uint64 {
	b := slab.Data[i*slab.TypeSize:]
	switch slab.TypeSize {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func coerceToInt32(slab *Slab) error {
	convert, err := int32Rule(slab)
	if err != nil {
		return err
	}
	out := make([]byte, 4*slab.Elements)
	for i := int64(0); i < slab.Elements; i++ {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(convert(element(slab, i))))
	}
	slab.Data = out
	slab.Size = int64(len(out))
	slab.TypeSize = 4
	slab.Type = Integer
	return nil
}

func int32Rule(slab *Slab) (func(uint64) int32, error) {
	switch {
	case slab.Type == Real && slab.TypeSize == 4:
		return func(v uint64) int32 { return int32(math.Float32frombits(uint32(v))) }, nil
	case slab.Type == Real && slab.TypeSize == 8:
		return func(v uint64) int32 { return int32(math.Float64frombits(v)) }, nil
	case slab.Type == Integer && (slab.TypeSize == 1 || slab.TypeSize == 2 || slab.TypeSize == 4 || slab.TypeSize == 8):
		return func(v uint64) int32 { return int32(v) }, nil
	}
	return nil, h5err.E(h5err.Translation, "no rule from %s of size %d to integer", slab.Type, slab.TypeSize)
}

func coerceToFloat64(slab *Slab) error {
	convert, err := float64Rule(slab)
	if err != nil {
		return err
	}
	out := make([]byte, 8*slab.Elements)
	for i := int64(0); i < slab.Elements; i++ {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(convert(element(slab, i))))
	}
	slab.Data = out
	slab.Size = int64(len(out))
	slab.TypeSize = 8
	slab.Type = Real
	return nil
}

func float64Rule(slab *Slab) (func(uint64) float64, error) {
	switch {
	case slab.Type == Real && slab.TypeSize == 4:
		return func(v uint64) float64 { return float64(math.Float32frombits(uint32(v))) }, nil
	case slab.Type == Real && slab.TypeSize == 8:
		return math.Float64frombits, nil
	case slab.Type == Integer && (slab.TypeSize == 1 || slab.TypeSize == 2 || slab.TypeSize == 4 || slab.TypeSize == 8):
		return func(v uint64) float64 { return float64(v) }, nil
	}
	return nil, h5err.E(h5err.Translation, "no rule from %s of size %d to real", slab.Type, slab.TypeSize)
}
