package hdf5

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/arraylab/h5slab/h5err"
	lru "github.com/hashicorp/golang-lru/v2"
)

// TypeClass is the HDF5 datatype class nibble. Only fixed-point and
// floating-point data can be materialized; the string class is recognized
// for tagging.
type TypeClass int

const (
	TypeFixedPoint TypeClass = iota
	TypeFloatingPoint
	TypeTime
	TypeString
	TypeBitField
	TypeOpaque
	TypeCompound
	TypeReference
	TypeEnumerated
	TypeVariableLength
	TypeArray

	TypeUnknown TypeClass = -1
)

func (t TypeClass) String() string {
	switch t {
	case TypeFixedPoint:
		return "fixed-point"
	case TypeFloatingPoint:
		return "floating-point"
	case TypeTime:
		return "time"
	case TypeString:
		return "string"
	case TypeBitField:
		return "bit-field"
	case TypeOpaque:
		return "opaque"
	case TypeCompound:
		return "compound"
	case TypeReference:
		return "reference"
	case TypeEnumerated:
		return "enumerated"
	case TypeVariableLength:
		return "variable-length"
	case TypeArray:
		return "array"
	}
	return "unknown"
}

// LayoutClass is the data layout class of a v3 layout message.
type LayoutClass int

const (
	LayoutCompact LayoutClass = iota
	LayoutContiguous
	LayoutChunked

	LayoutUnknown LayoutClass = -1
)

func (l LayoutClass) String() string {
	switch l {
	case LayoutCompact:
		return "compact"
	case LayoutContiguous:
		return "contiguous"
	case LayoutChunked:
		return "chunked"
	}
	return "unknown"
}

// Filter identifiers from the filter pipeline message.
const (
	FilterDeflate = 1
	FilterShuffle = 2

	numFilters = 3
)

// DatasetMeta is everything the layout reader needs to materialize a row
// range, produced by one walk of the file and memoized across calls.
type DatasetMeta struct {
	URL           string
	Type          TypeClass
	TypeSize      int64
	Fill          uint64
	FillSize      int64
	NDims         int
	Dims          [MaxNDims]uint64
	ChunkElements int64
	ElementSize   int64
	OffsetSize    int64
	LengthSize    int64
	Layout        LayoutClass
	Address       uint64
	Size          int64
	Filter        [numFilters]bool
}

func newDatasetMeta() DatasetMeta {
	return DatasetMeta{
		Type:   TypeUnknown,
		Layout: LayoutUnknown,
	}
}

const (
	maxMetaName  = 192
	maxMetaStore = 256
)

// metaURL builds the bounded memo key string <filename>/<dataset> and its
// 64-bit additive hash. The hash may collide; find gates every hit on a
// full-string compare, so a collision only costs a re-walk.
func metaURL(resource, dataset string) (uint64, string, error) {
	filename := resource
	if i := strings.LastIndexByte(resource, '/'); i >= 0 {
		filename = resource[i+1:]
	}
	url := filename + "/" + strings.TrimPrefix(dataset, "/")
	if len(url) > maxMetaName-2 {
		return 0, "", h5err.E(h5err.Format, "truncated meta repository url: %s", url)
	}
	return metaKey(url), url, nil
}

func metaKey(url string) uint64 {
	var padded [maxMetaName]byte
	copy(padded[:], url)
	var key uint64
	for i := 0; i < maxMetaName; i += 8 {
		key += binary.LittleEndian.Uint64(padded[i : i+8])
	}
	return key
}

// memo is the process-wide metadata store. It is the only global in the
// reader; capacity is bounded and eviction is handled by the lru.
var memo = newMetaMemo()

type metaMemo struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, DatasetMeta]
}

func newMetaMemo() *metaMemo {
	cache, err := lru.New[uint64, DatasetMeta](maxMetaStore)
	if err != nil {
		panic(err)
	}
	return &metaMemo{cache: cache}
}

func (m *metaMemo) find(key uint64, url string) (DatasetMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.cache.Get(key)
	if !ok || meta.URL != url {
		return DatasetMeta{}, false
	}
	return meta, true
}

func (m *metaMemo) insert(key uint64, meta DatasetMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Add(key, meta)
}
