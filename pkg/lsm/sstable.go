package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/golang/snappy"

	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/pools"
	"github.com/streamwindow/joindb/pkg/tuplemodel"
)

// sstableMagic identifies a valid SSTable file; its hex digits spell "SSTB"
// and it is written little-endian, so a file starts with the bytes "BTSS"
// (spec.md §6.2).
const sstableMagic uint32 = 0x53535442

// sstableHeaderSize is the fixed-width header preceding the data block.
const sstableHeaderSize = 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 1

// SSTableMeta is the parsed header of one on-disk SSTable (C5).
type SSTableMeta struct {
	Level      int
	Sequence   uint64
	MinTs      int64
	MaxTs      int64
	NumEntries uint64
	BloomOff   uint64
	IndexOff   uint64
	DataOff    uint64
	Compressed bool
}

// indexEntry is one sparse-index record: the timestamp of the first tuple in
// a data block and that block's byte offset/length within the data section.
type indexEntry struct {
	ts     int64
	offset uint64
	length uint64
}

// SSTable is a read-only handle on a flushed or compacted file (C5).
type SSTable struct {
	path  string
	meta  SSTableMeta
	bloom *BloomFilter
	index []indexEntry
	cache *BlockCache
}

// sstableBlockCacheSize bounds the number of decompressed data blocks kept
// warm per open SSTable.
const sstableBlockCacheSize = 64

// sstableBlockSize bounds the number of tuples grouped per data block before
// a new sparse-index entry is emitted.
const sstableBlockSize = 128

// BuildSSTable writes tuples (already sorted and deduplicated by caller
// policy) as a new SSTable file at path, at the given level/sequence.
// Returns the opened handle.
func BuildSSTable(path string, level int, sequence uint64, tuples []tuplemodel.Tuple, compress bool) (*SSTable, error) {
	if len(tuples) == 0 {
		return nil, engineerr.InvalidArgument("BuildSSTable", "no tuples to flush")
	}

	sorted := make([]tuplemodel.Tuple, len(tuples))
	copy(sorted, tuples)
	tuplemodel.SortByTs(sorted)

	bloom := NewBloomFilter(len(sorted), 10)
	for _, t := range sorted {
		bloom.Insert(t.Ts)
	}

	var dataBuf []byte
	var index []indexEntry
	for start := 0; start < len(sorted); start += sstableBlockSize {
		end := start + sstableBlockSize
		if end > len(sorted) {
			end = len(sorted)
		}
		block := sorted[start:end]

		var bw bytes.Buffer
		if err := binary.Write(&bw, binary.LittleEndian, uint32(len(block))); err != nil {
			return nil, engineerr.IO("BuildSSTable", err)
		}
		for _, t := range block {
			if err := tuplemodel.Encode(&bw, t); err != nil {
				return nil, engineerr.IO("BuildSSTable", err)
			}
		}

		raw := bw.Bytes()
		payload := raw
		if compress {
			payload = snappy.Encode(nil, raw)
		}

		index = append(index, indexEntry{
			ts:     block[0].Ts,
			offset: uint64(len(dataBuf)),
			length: uint64(len(payload)),
		})
		dataBuf = append(dataBuf, payload...)
	}

	bloomBytes := bloom.MarshalBinary()
	indexBytes := encodeSparseIndex(index)

	minTs, maxTs := sorted[0].Ts, sorted[len(sorted)-1].Ts
	for _, t := range sorted {
		if t.Ts < minTs {
			minTs = t.Ts
		}
		if t.Ts > maxTs {
			maxTs = t.Ts
		}
	}

	dataOff := uint64(sstableHeaderSize)
	bloomOff := dataOff + uint64(len(dataBuf))
	indexOff := bloomOff + uint64(len(bloomBytes))

	meta := SSTableMeta{
		Level:      level,
		Sequence:   sequence,
		MinTs:      minTs,
		MaxTs:      maxTs,
		NumEntries: uint64(len(sorted)),
		BloomOff:   bloomOff,
		IndexOff:   indexOff,
		DataOff:    dataOff,
		Compressed: compress,
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, engineerr.IO("BuildSSTable", err)
	}
	w := bufio.NewWriter(f)
	if err := writeSSTableHeader(w, meta); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	if _, err := w.Write(dataBuf); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, engineerr.IO("BuildSSTable", err)
	}
	if _, err := w.Write(bloomBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, engineerr.IO("BuildSSTable", err)
	}
	if _, err := w.Write(indexBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, engineerr.IO("BuildSSTable", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, engineerr.IO("BuildSSTable", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, engineerr.IO("BuildSSTable", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, engineerr.IO("BuildSSTable", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, engineerr.IO("BuildSSTable", err)
	}

	return &SSTable{path: path, meta: meta, bloom: bloom, index: index, cache: NewBlockCache(sstableBlockCacheSize)}, nil
}

func writeSSTableHeader(w io.Writer, m SSTableMeta) error {
	fields := []any{
		sstableMagic,
		uint32(m.Level),
		uint32(0), // reserved for future flags
		m.Sequence,
		uint64(m.MinTs),
		uint64(m.MaxTs),
		m.NumEntries,
		m.BloomOff,
		m.IndexOff,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return engineerr.IO("writeSSTableHeader", err)
		}
	}
	compressedFlag := uint8(0)
	if m.Compressed {
		compressedFlag = 1
	}
	if err := binary.Write(w, binary.LittleEndian, compressedFlag); err != nil {
		return engineerr.IO("writeSSTableHeader", err)
	}
	return nil
}

// OpenSSTable reads the header, bloom filter, and sparse index of a file
// written by BuildSSTable, without loading the data blocks.
func OpenSSTable(path string) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, engineerr.IO("OpenSSTable", err)
	}
	defer f.Close()

	header := make([]byte, sstableHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, engineerr.Corrupt("OpenSSTable", "short header", err)
	}
	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != sstableMagic {
		return nil, engineerr.Corrupt("OpenSSTable", "bad magic", nil)
	}
	level := binary.LittleEndian.Uint32(header[4:8])
	sequence := binary.LittleEndian.Uint64(header[12:20])
	minTs := int64(binary.LittleEndian.Uint64(header[20:28]))
	maxTs := int64(binary.LittleEndian.Uint64(header[28:36]))
	numEntries := binary.LittleEndian.Uint64(header[36:44])
	bloomOff := binary.LittleEndian.Uint64(header[44:52])
	indexOff := binary.LittleEndian.Uint64(header[52:60])
	compressed := header[60] == 1

	meta := SSTableMeta{
		Level:      int(level),
		Sequence:   sequence,
		MinTs:      minTs,
		MaxTs:      maxTs,
		NumEntries: numEntries,
		BloomOff:   bloomOff,
		IndexOff:   indexOff,
		DataOff:    uint64(sstableHeaderSize),
		Compressed: compressed,
	}

	if _, err := f.Seek(int64(bloomOff), io.SeekStart); err != nil {
		return nil, engineerr.IO("OpenSSTable", err)
	}
	indexSize, err := fileSize(f)
	if err != nil {
		return nil, engineerr.IO("OpenSSTable", err)
	}
	bloomAndIndex := make([]byte, indexSize-int64(bloomOff))
	if _, err := io.ReadFull(f, bloomAndIndex); err != nil {
		return nil, engineerr.Corrupt("OpenSSTable", "short bloom/index section", err)
	}
	bloomBytes := bloomAndIndex[:indexOff-bloomOff]
	indexBytes := bloomAndIndex[indexOff-bloomOff:]

	bloom, err := UnmarshalBloomFilter(bloomBytes)
	if err != nil {
		return nil, engineerr.Corrupt("OpenSSTable", "bad bloom filter", err)
	}
	index, err := decodeSparseIndex(indexBytes)
	if err != nil {
		return nil, err
	}

	return &SSTable{path: path, meta: meta, bloom: bloom, index: index, cache: NewBlockCache(sstableBlockCacheSize)}, nil
}

func fileSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Meta returns the table's parsed header.
func (s *SSTable) Meta() SSTableMeta { return s.meta }

// Path returns the file path backing this table.
func (s *SSTable) Path() string { return s.path }

// MightContain consults the bloom filter; false is a definitive "absent".
func (s *SSTable) MightContain(ts int64) bool {
	if ts < s.meta.MinTs || ts > s.meta.MaxTs {
		return false
	}
	return s.bloom.Contains(ts)
}

// Get returns every tuple recorded at exactly ts, or nil if absent.
func (s *SSTable) Get(ts int64) ([]tuplemodel.Tuple, error) {
	if !s.MightContain(ts) {
		return nil, nil
	}
	block, err := s.findBlock(ts)
	if err != nil || block == nil {
		return nil, err
	}
	var out []tuplemodel.Tuple
	for _, t := range block {
		if t.Ts == ts {
			out = append(out, t)
		}
	}
	return out, nil
}

// findBlock locates and decodes the data block that may hold ts, via the
// sparse index (the last entry whose ts <= target).
func (s *SSTable) findBlock(ts int64) ([]tuplemodel.Tuple, error) {
	idx := sort.Search(len(s.index), func(i int) bool {
		return s.index[i].ts > ts
	}) - 1
	if idx < 0 {
		return nil, nil
	}
	return s.readBlock(s.index[idx])
}

func (s *SSTable) readBlock(e indexEntry) ([]tuplemodel.Tuple, error) {
	cacheKey := strconv.FormatUint(e.offset, 10)
	if cached, ok := s.cache.Get(cacheKey); ok {
		return decodeBlock(cached)
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, engineerr.IO("readBlock", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(s.meta.DataOff)+int64(e.offset), io.SeekStart); err != nil {
		return nil, engineerr.IO("readBlock", err)
	}
	raw := pools.GetBytesSized(int(e.length))
	defer pools.PutBytes(raw)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, engineerr.Corrupt("readBlock", "short data block", err)
	}
	decompressed := raw
	if s.meta.Compressed {
		decompressed, err = snappy.Decode(nil, raw)
		if err != nil {
			return nil, engineerr.Corrupt("readBlock", "bad snappy frame", err)
		}
	} else {
		decompressed = append([]byte(nil), raw...) // cache owns a copy, not the pooled buffer
	}
	s.cache.Put(cacheKey, decompressed)

	return decodeBlock(decompressed)
}

func decodeBlock(raw []byte) ([]tuplemodel.Tuple, error) {
	br := bytes.NewReader(raw)
	var n uint32
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, engineerr.Corrupt("readBlock", "short block count", err)
	}
	out := make([]tuplemodel.Tuple, 0, n)
	for i := uint32(0); i < n; i++ {
		t, err := tuplemodel.Decode(br)
		if err != nil {
			return nil, engineerr.Corrupt("readBlock", "bad tuple", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Range returns every tuple in tr by scanning the blocks the sparse index
// says could contain them.
func (s *SSTable) Range(tr tuplemodel.TimeRange) ([]tuplemodel.Tuple, error) {
	if tr.End <= s.meta.MinTs || tr.Start > s.meta.MaxTs {
		return nil, nil
	}
	startIdx := sort.Search(len(s.index), func(i int) bool {
		return s.index[i].ts >= tr.Start
	})
	if startIdx > 0 {
		startIdx--
	}
	var out []tuplemodel.Tuple
	for i := startIdx; i < len(s.index); i++ {
		if s.index[i].ts >= tr.End {
			break
		}
		block, err := s.readBlock(s.index[i])
		if err != nil {
			return nil, err
		}
		for _, t := range block {
			if tr.Contains(t.Ts) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// All decodes and returns every tuple in the table, in storage order.
func (s *SSTable) All() ([]tuplemodel.Tuple, error) {
	var out []tuplemodel.Tuple
	for _, e := range s.index {
		block, err := s.readBlock(e)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

// Remove deletes the backing file. Callers must ensure no reader holds the
// table open (the compaction path waits for the catalog swap to land first).
func (s *SSTable) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return engineerr.IO("Remove", err)
	}
	return nil
}

func encodeSparseIndex(entries []indexEntry) []byte {
	var bw bytes.Buffer
	binary.Write(&bw, binary.LittleEndian, uint32(len(entries)))
	for _, e := range entries {
		binary.Write(&bw, binary.LittleEndian, e.ts)
		binary.Write(&bw, binary.LittleEndian, e.offset)
		binary.Write(&bw, binary.LittleEndian, e.length)
	}
	return bw.Bytes()
}

func decodeSparseIndex(data []byte) ([]indexEntry, error) {
	br := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, engineerr.Corrupt("decodeSparseIndex", "short count", err)
	}
	out := make([]indexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var e indexEntry
		if err := binary.Read(br, binary.LittleEndian, &e.ts); err != nil {
			return nil, engineerr.Corrupt("decodeSparseIndex", "short entry", err)
		}
		if err := binary.Read(br, binary.LittleEndian, &e.offset); err != nil {
			return nil, engineerr.Corrupt("decodeSparseIndex", "short entry", err)
		}
		if err := binary.Read(br, binary.LittleEndian, &e.length); err != nil {
			return nil, engineerr.Corrupt("decodeSparseIndex", "short entry", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// MergeSSTables n-way merges already-open tables into one sorted tuple slice
// for compaction, preserving insertion order among equal timestamps by
// source-table precedence (the table with the lower sequence comes first).
func MergeSSTables(tables []*SSTable) ([]tuplemodel.Tuple, error) {
	type seq struct {
		tuple    tuplemodel.Tuple
		sequence uint64
	}
	var all []seq
	for _, t := range tables {
		tuples, err := t.All()
		if err != nil {
			return nil, fmt.Errorf("merge read %s: %w", t.path, err)
		}
		for _, tup := range tuples {
			all = append(all, seq{tuple: tup, sequence: t.meta.Sequence})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].tuple.Ts != all[j].tuple.Ts {
			return all[i].tuple.Ts < all[j].tuple.Ts
		}
		return all[i].sequence < all[j].sequence
	})
	out := make([]tuplemodel.Tuple, len(all))
	for i, s := range all {
		out[i] = s.tuple
	}
	return out, nil
}
