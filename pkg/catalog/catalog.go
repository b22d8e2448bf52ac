// Package catalog implements the table manager (C9): a name-indexed
// directory binding stream and join-result tables to their storage
// instances, with typed lookup and bulk lifecycle operations.
package catalog

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/streamwindow/joindb/pkg/engineerr"
	"github.com/streamwindow/joindb/pkg/lsm"
	"github.com/streamwindow/joindb/pkg/metrics"
	"github.com/streamwindow/joindb/pkg/table"
)

// Kind distinguishes the table shapes a Catalog can hold.
type Kind int

const (
	KindStream Kind = iota
	KindJoinResult
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindJoinResult:
		return "join_result"
	default:
		return "unknown"
	}
}

// Entry is one catalog record: a named table plus its bookkeeping.
type Entry struct {
	Name        string
	Kind        Kind
	Stream      *table.StreamTable
	JoinResult  *table.JoinResultTable
	accessCount uint64
}

// Catalog holds name -> Entry under a read-write mutex (C9). All tables
// under one Catalog share a base data directory, one subdirectory per table.
type Catalog struct {
	baseDir string
	opts    lsm.Options // template: Dir is overridden per table

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates a Catalog rooted at baseDir. optsTemplate supplies defaults
// (memtable size, durability, compression, metrics registry) shared by
// every table it creates; its Dir field is ignored and replaced per table.
func New(baseDir string, optsTemplate lsm.Options) *Catalog {
	if optsTemplate.Metrics == nil {
		optsTemplate.Metrics = metrics.DefaultRegistry()
	}
	return &Catalog{
		baseDir: baseDir,
		opts:    optsTemplate,
		entries: make(map[string]*Entry),
	}
}

func (c *Catalog) tableDir(name string) string {
	return filepath.Join(c.baseDir, name)
}

func (c *Catalog) optsFor(name string) lsm.Options {
	o := c.opts
	o.Dir = c.tableDir(name)
	o.TableName = name
	return o
}

// CreateStream creates a new StreamTable under name, rejecting duplicates.
func (c *Catalog) CreateStream(name string) (*table.StreamTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[name]; exists {
		return nil, engineerr.AlreadyExists("Catalog.CreateStream", name)
	}
	st, err := table.NewStreamTable(name, c.optsFor(name))
	if err != nil {
		return nil, err
	}
	c.entries[name] = &Entry{Name: name, Kind: KindStream, Stream: st}
	return st, nil
}

// CreateResult creates a new JoinResultTable under name, rejecting duplicates.
func (c *Catalog) CreateResult(name string) (*table.JoinResultTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[name]; exists {
		return nil, engineerr.AlreadyExists("Catalog.CreateResult", name)
	}
	jrt, err := table.NewJoinResultTable(name, c.optsFor(name))
	if err != nil {
		return nil, err
	}
	c.entries[name] = &Entry{Name: name, Kind: KindJoinResult, JoinResult: jrt}
	return jrt, nil
}

// CreatePECJTables is the PECJ convenience: creates {prefix}stream_s,
// {prefix}stream_r, and {prefix}join_results in one call. If any creation
// fails, tables already created in this call are left in place (callers may
// retry with DropAll or individual drops).
func (c *Catalog) CreatePECJTables(prefix string) (s, r *table.StreamTable, jr *table.JoinResultTable, err error) {
	s, err = c.CreateStream(prefix + "stream_s")
	if err != nil {
		return nil, nil, nil, err
	}
	r, err = c.CreateStream(prefix + "stream_r")
	if err != nil {
		return nil, nil, nil, err
	}
	jr, err = c.CreateResult(prefix + "join_results")
	if err != nil {
		return nil, nil, nil, err
	}
	return s, r, jr, nil
}

// GetStream returns the named StreamTable, or KindNotFound if absent or of
// the wrong kind.
func (c *Catalog) GetStream(name string) (*table.StreamTable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[name]
	if !ok || e.Kind != KindStream {
		return nil, engineerr.NotFound("Catalog.GetStream", name)
	}
	e.accessCount++
	return e.Stream, nil
}

// GetResult returns the named JoinResultTable, or KindNotFound if absent or
// of the wrong kind.
func (c *Catalog) GetResult(name string) (*table.JoinResultTable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[name]
	if !ok || e.Kind != KindJoinResult {
		return nil, engineerr.NotFound("Catalog.GetResult", name)
	}
	e.accessCount++
	return e.JoinResult, nil
}

// Has reports whether name is registered, regardless of kind.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// KindOf returns the kind of the named table, or an error if absent.
func (c *Catalog) KindOf(name string) (Kind, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return 0, engineerr.NotFound("Catalog.KindOf", name)
	}
	return e.Kind, nil
}

// Drop closes and removes the named table from the catalog.
func (c *Catalog) Drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return engineerr.NotFound("Catalog.Drop", name)
	}
	delete(c.entries, name)
	return e.close()
}

func (e *Entry) close() error {
	switch e.Kind {
	case KindStream:
		return e.Stream.Close()
	case KindJoinResult:
		return e.JoinResult.Close()
	default:
		return nil
	}
}

// DropAll closes and removes every table in the catalog, returning the
// first close error encountered (if any) after attempting all of them.
func (c *Catalog) DropAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, e := range c.entries {
		if err := e.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.entries, name)
	}
	return firstErr
}

// ListTables returns every registered table name, sorted.
func (c *Catalog) ListTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTablesByKind returns registered table names of the given kind, sorted.
func (c *Catalog) ListTablesByKind(kind Kind) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for name, e := range c.entries {
		if e.Kind == kind {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tables.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// FlushAll forces every table to flush its active memtable.
func (c *Catalog) FlushAll() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entries {
		var err error
		switch e.Kind {
		case KindStream:
			err = e.Stream.Flush()
		case KindJoinResult:
			err = e.JoinResult.Flush()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CompactAll runs one compaction pass on every table.
func (c *Catalog) CompactAll() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entries {
		var err error
		switch e.Kind {
		case KindStream:
			_, err = e.Stream.Compact()
		case KindJoinResult:
			_, err = e.JoinResult.Compact()
		}
		if err != nil {
			return err
		}
	}
	return nil
}
