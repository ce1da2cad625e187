// ABOUTME: Facade wiring the store, membership index, attribute index and search
// ABOUTME: Owns the store lifecycle and verifies interrupted updates on open

package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nainya/indexedcollections/internal/logger"
	"github.com/nainya/indexedcollections/internal/metrics"
	"github.com/nainya/indexedcollections/pkg/attrindex"
	"github.com/nainya/indexedcollections/pkg/collection"
	"github.com/nainya/indexedcollections/pkg/journal"
	"github.com/nainya/indexedcollections/pkg/keycodec"
	"github.com/nainya/indexedcollections/pkg/search"
	"github.com/nainya/indexedcollections/pkg/store"
	"github.com/nainya/indexedcollections/pkg/store/boltstore"
	"github.com/nainya/indexedcollections/pkg/store/memstore"
	"github.com/nainya/indexedcollections/pkg/store/treestore"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendTree   = "tree"
	BackendBolt   = "bolt"
)

// TypeAttribute is the attribute CreateEntity writes
const TypeAttribute = "type"

// ErrUnknownBackend is returned by Open for an unsupported backend name
var ErrUnknownBackend = errors.New("engine: unknown backend")

// Options configures Open
type Options struct {
	Backend string
	DataDir string

	// Regions names the four storage regions; nil uses the defaults
	Regions store.RegionNames

	// BoltFsync syncs every bbolt commit
	BoltFsync bool

	// Journal records update intents; ignored for the memory backend
	Journal            bool
	JournalFsync       bool
	CheckpointInterval time.Duration
}

// Engine is the entry point for every indexing operation
type Engine struct {
	store        store.Store
	collections  *collection.Index
	attributes   *attrindex.Index
	search       *search.Engine
	journal      *journal.Journal
	checkpointer *journal.Checkpointer
	log          *logger.Logger
	metrics      *metrics.Metrics
	recovered    []attrindex.Inconsistency
}

// Open creates the configured backend and an engine over it. log and m may
// be nil.
func Open(opts Options, log *logger.Logger, m *metrics.Metrics) (*Engine, error) {
	if log == nil {
		log = logger.Nop()
	}

	s, err := openStore(opts)
	if err != nil {
		return nil, err
	}
	e := New(store.Instrument(s, m, log.StoreLogger(opts.Backend)), log, m)

	if opts.Journal && opts.Backend != BackendMemory {
		j := &journal.Journal{
			Path:    filepath.Join(opts.DataDir, journal.FileName),
			Fsync:   opts.JournalFsync,
			Metrics: m,
		}
		if err := j.Open(); err != nil {
			s.Close()
			return nil, fmt.Errorf("engine: open journal: %w", err)
		}
		e.journal = j
		e.attributes.SetIntents(j)

		if err := e.recover(); err != nil {
			j.Close()
			s.Close()
			return nil, err
		}

		e.checkpointer = journal.NewCheckpointer(j, opts.CheckpointInterval, log)
		e.checkpointer.Start()
	}

	return e, nil
}

func openStore(opts Options) (store.Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return memstore.New(opts.Regions)
	case BackendTree:
		return treestore.Open(opts.DataDir, opts.Regions)
	case BackendBolt:
		return boltstore.Open(opts.DataDir, opts.Regions, boltstore.Options{Fsync: opts.BoltFsync})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

// New returns an engine over an already opened store. Close closes s.
func New(s store.Store, log *logger.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		store:       s,
		collections: collection.New(s, log, m),
		attributes:  attrindex.New(s, log, m),
		search:      search.New(s, log, m),
		log:         log,
		metrics:     m,
	}
}

// recover verifies every update the journal saw begin but not finish.
// Findings are logged and counted; nothing is repaired.
func (e *Engine) recover() error {
	intents := e.journal.Recovered()
	if len(intents) == 0 {
		return nil
	}

	e.log.Warn("verifying interrupted attribute updates").Int("intents", len(intents)).Send()

	ids := make([]uint64, 0, len(intents))
	for _, in := range intents {
		incs, err := e.attributes.Verify(in.Entity, in.Name)
		if err != nil {
			return fmt.Errorf("engine: verify %s %q: %w", in.Entity, in.Name, err)
		}
		e.attributes.Report(incs)
		e.recovered = append(e.recovered, incs...)
		ids = append(ids, in.ID)
	}
	return e.journal.Resolve(ids...)
}

// Recovered returns the inconsistencies found while verifying interrupted
// updates at open
func (e *Engine) Recovered() []attrindex.Inconsistency {
	return append([]attrindex.Inconsistency(nil), e.recovered...)
}

// Store returns the underlying store
func (e *Engine) Store() store.Store {
	return e.store
}

// Close stops background work and closes the journal and the store
func (e *Engine) Close() error {
	if e.checkpointer != nil {
		e.checkpointer.Stop()
	}
	var errs []error
	if e.journal != nil {
		errs = append(errs, e.journal.Close())
	}
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}

// CreateEntity allocates a time-ordered identifier and records its type
func (e *Engine) CreateEntity(entityType string, scopes []collection.Scope) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("engine: new entity id: %w", err)
	}
	if err := e.attributes.SetAttribute(id, TypeAttribute, keycodec.Text(entityType), scopes); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AddMember adds member to scope
func (e *Engine) AddMember(scope collection.Scope, member uuid.UUID) error {
	return e.collections.AddMember(scope, member)
}

// RemoveMember removes member from scope. Index entries written for the
// member under scope stay until its attributes are set again.
func (e *Engine) RemoveMember(scope collection.Scope, member uuid.UUID) (bool, error) {
	return e.collections.RemoveMember(scope, member)
}

// ListMembers lists scope in insertion order
func (e *Engine) ListMembers(scope collection.Scope, opts collection.ListOptions) ([]uuid.UUID, error) {
	return e.collections.ListMembers(scope, opts)
}

// Contains reports whether member belongs to scope
func (e *Engine) Contains(scope collection.Scope, member uuid.UUID) (bool, error) {
	return e.collections.Contains(scope, member)
}

// SetAttribute sets and indexes an attribute
func (e *Engine) SetAttribute(entity uuid.UUID, name string, value keycodec.Value, scopes []collection.Scope) error {
	return e.attributes.SetAttribute(entity, name, value, scopes)
}

// RemoveAttribute removes an attribute and its index entries
func (e *Engine) RemoveAttribute(entity uuid.UUID, name string) error {
	return e.attributes.RemoveAttribute(entity, name)
}

// GetAttribute reads the current value of an attribute
func (e *Engine) GetAttribute(entity uuid.UUID, name string) (keycodec.Value, bool, error) {
	return e.attributes.GetAttribute(entity, name)
}

// Attributes reads every attribute of entity
func (e *Engine) Attributes(entity uuid.UUID) (map[string]keycodec.Value, error) {
	return e.attributes.Attributes(entity)
}

// ExactMatch finds entities in scope with name = value
func (e *Engine) ExactMatch(scope collection.Scope, name string, value keycodec.Value, limit int) ([]uuid.UUID, error) {
	return e.search.ExactMatch(scope, name, value, limit)
}

// RangeMatch finds entities in scope with name inside q
func (e *Engine) RangeMatch(scope collection.Scope, name string, q search.Query) ([]uuid.UUID, error) {
	return e.search.RangeMatch(scope, name, q)
}

// Verify checks the index entries of one attribute, or of every attribute
// of entity when name is empty
func (e *Engine) Verify(entity uuid.UUID, name string) ([]attrindex.Inconsistency, error) {
	if name == "" {
		return e.attributes.VerifyEntity(entity)
	}
	return e.attributes.Verify(entity, name)
}
