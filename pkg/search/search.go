// ABOUTME: Exact and range queries over one attribute of a collection scope
// ABOUTME: Boundary values are encoded into column keys and scanned in index order

package search

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nainya/indexedcollections/internal/logger"
	"github.com/nainya/indexedcollections/internal/metrics"
	"github.com/nainya/indexedcollections/pkg/attrindex"
	"github.com/nainya/indexedcollections/pkg/collection"
	"github.com/nainya/indexedcollections/pkg/keycodec"
	"github.com/nainya/indexedcollections/pkg/store"
)

// ErrTypeMismatch is returned when range bounds have different kinds
var ErrTypeMismatch = errors.New("search: range bounds have different types")

// DefaultLimit applies when a query does not set a positive limit
const DefaultLimit = 100

// Query describes a range over one attribute. A nil Start or End leaves
// that side open.
type Query struct {
	Start          *keycodec.Value
	End            *keycodec.Value
	StartInclusive bool
	EndInclusive   bool
	Limit          int
	Reverse        bool
}

// Engine answers queries from the index region
type Engine struct {
	store   store.Store
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New returns a search engine over s. log and m may be nil.
func New(s store.Store, log *logger.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{store: s, log: log.IndexLogger("search"), metrics: m}
}

// ExactMatch returns up to limit entities in scope whose current value of
// name equals value, ordered by entity identifier.
func (e *Engine) ExactMatch(scope collection.Scope, name string, value keycodec.Value, limit int) ([]uuid.UUID, error) {
	prefix, err := attrindex.ValuePrefix(name, value)
	if err != nil {
		return nil, err
	}
	ids, err := e.scan(scope, store.Range{
		Start:          prefix,
		End:            keycodec.PrefixEnd(prefix),
		StartInclusive: true,
		Limit:          normalizeLimit(limit),
	})
	e.record("exact", ids, err)
	return ids, err
}

// RangeMatch returns entities in scope whose current value of name lies
// within q, ordered by value then entity identifier.
func (e *Engine) RangeMatch(scope collection.Scope, name string, q Query) ([]uuid.UUID, error) {
	r, err := boundaries(name, q)
	if err != nil {
		e.record("range", nil, err)
		return nil, err
	}
	ids, err := e.scan(scope, r)
	e.record("range", ids, err)
	return ids, err
}

// boundaries maps a value range onto column keys. With k = Encode(name, v)
// every entry for v lies in [k, PrefixEnd(k)), so an inclusive start is k,
// an exclusive start is PrefixEnd(k), an inclusive end is PrefixEnd(k)
// exclusive and an exclusive end is k exclusive. An open side stops at the
// edge of the bound's kind, so a range never mixes value types; with both
// sides open it spans the whole attribute.
func boundaries(name string, q Query) (store.Range, error) {
	if q.Start != nil && q.End != nil && q.Start.Kind != q.End.Kind {
		return store.Range{}, fmt.Errorf("%w: %s and %s", ErrTypeMismatch, q.Start.Kind, q.End.Kind)
	}

	var (
		outer []byte
		err   error
	)
	switch {
	case q.Start != nil:
		outer, err = attrindex.KindPrefix(name, q.Start.Kind)
	case q.End != nil:
		outer, err = attrindex.KindPrefix(name, q.End.Kind)
	default:
		outer, err = attrindex.AttributePrefix(name)
	}
	if err != nil {
		return store.Range{}, err
	}
	r := store.Range{
		Start:          outer,
		End:            keycodec.PrefixEnd(outer),
		StartInclusive: true,
		Limit:          normalizeLimit(q.Limit),
		Reverse:        q.Reverse,
	}

	if q.Start != nil {
		k, err := attrindex.ValuePrefix(name, *q.Start)
		if err != nil {
			return store.Range{}, err
		}
		if q.StartInclusive {
			r.Start = k
		} else {
			r.Start = keycodec.PrefixEnd(k)
		}
	}
	if q.End != nil {
		k, err := attrindex.ValuePrefix(name, *q.End)
		if err != nil {
			return store.Range{}, err
		}
		if q.EndInclusive {
			r.End = keycodec.PrefixEnd(k)
		} else {
			r.End = k
		}
	}
	return r, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

func (e *Engine) scan(scope collection.Scope, r store.Range) ([]uuid.UUID, error) {
	row, err := scope.Key()
	if err != nil {
		return nil, err
	}
	if r.Empty() {
		return nil, nil
	}

	cols, err := e.store.Scan(store.RegionIndex, row, r)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(cols))
	for _, c := range cols {
		_, id, err := attrindex.ParseEntryColumn(c.Key)
		if err != nil {
			return nil, fmt.Errorf("search: index entry in %s: %w", scope, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) record(kind string, ids []uuid.UUID, err error) {
	if err != nil {
		e.log.Debug("search failed").Str("kind", kind).Err(err).Send()
		return
	}
	if e.metrics != nil {
		e.metrics.RecordSearch(kind, len(ids))
	}
}
