// Package rangecache provides a two-tier cache of byte ranges read out of a
// single file or object, shared across dataset reads. Small parser reads
// land in L1 lines and large data reads in L2 lines; lookups tolerate
// requests that straddle a line boundary by also probing the previous line.
//
// Lines are immutable once inserted and are evicted oldest-first. A cache
// caches raw offsets, so it must only ever be shared across reads of the
// same underlying file.
package rangecache

import (
	"io"
	"sort"
	"sync"

	"github.com/arraylab/h5slab/h5err"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	L1Line    = 0x1000
	L2Line    = 0x100000
	L1Entries = 157
	L2Entries = 17

	l1Mask = L1Line - 1
	l2Mask = L2Line - 1
)

// Stats counters are monotonically non-decreasing and count back-end
// activity only; cache hits do not move them.
type Stats struct {
	ReadRequests int64
	BytesRead    int64
}

type Cache struct {
	mu    sync.Mutex
	l1    tier
	l2    tier
	stats Stats

	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	bytesRead prometheus.Counter
}

// New creates a cache, registering its counters with registerer. A nil
// registerer gets a private registry, which keeps the counters functional
// without polluting the default one.
func New(registerer prometheus.Registerer) *Cache {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)
	return &Cache{
		l1: tier{mask: l1Mask, limit: L1Entries, lines: make(map[uint64]line)},
		l2: tier{mask: l2Mask, limit: L2Entries, lines: make(map[uint64]line)},
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "h5_rangecache_hits_total",
			Help: "Number of requests served from a cached line.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "h5_rangecache_misses_total",
			Help: "Number of requests that went to the back-end.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "h5_rangecache_evictions_total",
			Help: "Number of lines evicted to make room.",
		}),
		bytesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "h5_rangecache_backend_bytes_total",
			Help: "Bytes read from the back-end.",
		}),
	}
}

// Request returns at least size bytes of the file starting at *pos and
// advances *pos by size. On a miss, max(size, hint) bytes are read from r
// outside the cache lock and inserted as a fresh line; inserted reports
// whether that happened, which is how callers detect that a prefetch was
// absorbed. The returned slice aliases the cache line and must be consumed
// before the next Request.
//
// A size of zero acts as a pure prefetch of hint bytes.
func (c *Cache) Request(r io.ReaderAt, size int64, pos *uint64, hint int64) ([]byte, bool, error) {
	filePos := *pos

	c.mu.Lock()
	l, ok := c.l1.check(size, filePos)
	if !ok {
		l, ok = c.l2.check(size, filePos)
	}
	if ok {
		c.hits.Inc()
		c.mu.Unlock()
		*pos += uint64(size)
		return l.data[filePos-l.pos:], false, nil
	}
	c.misses.Inc()
	c.mu.Unlock()

	readSize := size
	if hint > readSize {
		readSize = hint
	}
	buf := make([]byte, readSize)
	n, err := r.ReadAt(buf, int64(filePos))
	if int64(n) < size {
		if err != nil && err != io.EOF {
			return nil, false, h5err.E(h5err.ShortRead, "failed to read at least %d bytes of data at 0x%x: %w", size, filePos, err)
		}
		return nil, false, h5err.E(h5err.ShortRead, "failed to read at least %d bytes of data at 0x%x: %d", size, filePos, n)
	}
	buf = buf[:n]

	c.mu.Lock()
	t := &c.l2
	if int64(n) <= L1Line {
		t = &c.l1
	}
	if t.full() {
		t.evictOldest()
		c.evictions.Inc()
	}
	t.insert(line{pos: filePos, data: buf})
	c.stats.ReadRequests++
	c.stats.BytesRead += int64(n)
	c.bytesRead.Add(float64(n))
	c.mu.Unlock()

	*pos += uint64(size)
	return buf, true, nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

type line struct {
	pos  uint64
	data []byte
}

// A tier is a bounded mapping from unaligned read positions to lines, with
// an ordered key index for nearest-not-greater lookup and FIFO eviction.
type tier struct {
	mask  uint64
	limit int
	keys  []uint64
	lines map[uint64]line
	fifo  []uint64
}

// check looks for a line covering [pos, pos+size). It probes the nearest
// key not greater than pos and, to catch lines that start in the previous
// aligned line and run across the boundary, the nearest key not greater
// than (pos &^ mask) - 1, guarding against rollover at offset zero.
func (t *tier) check(size int64, pos uint64) (line, bool) {
	if l, ok := t.find(pos); ok && contains(l, size, pos) {
		return l, true
	}
	prev := (pos &^ t.mask) - 1
	if pos > prev {
		if l, ok := t.find(prev); ok && contains(l, size, pos) {
			return l, true
		}
	}
	return line{}, false
}

func contains(l line, size int64, pos uint64) bool {
	return pos >= l.pos && pos+uint64(size) <= l.pos+uint64(len(l.data))
}

// find returns the line with the greatest key not greater than pos.
func (t *tier) find(pos uint64) (line, bool) {
	i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] > pos })
	if i == 0 {
		return line{}, false
	}
	return t.lines[t.keys[i-1]], true
}

func (t *tier) full() bool {
	return len(t.lines) >= t.limit
}

// insert adds l keyed by its unaligned position. A duplicate insert at the
// same position replaces the line in place; concurrent readers racing on
// one offset produce byte-identical lines, so replacement is benign.
func (t *tier) insert(l line) {
	if _, ok := t.lines[l.pos]; ok {
		t.lines[l.pos] = l
		return
	}
	i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] > l.pos })
	t.keys = append(t.keys, 0)
	copy(t.keys[i+1:], t.keys[i:])
	t.keys[i] = l.pos
	t.lines[l.pos] = l
	t.fifo = append(t.fifo, l.pos)
}

func (t *tier) evictOldest() {
	if len(t.fifo) == 0 {
		return
	}
	pos := t.fifo[0]
	t.fifo = t.fifo[1:]
	delete(t.lines, pos)
	i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= pos })
	if i < len(t.keys) && t.keys[i] == pos {
		t.keys = append(t.keys[:i], t.keys[i+1:]...)
	}
}
