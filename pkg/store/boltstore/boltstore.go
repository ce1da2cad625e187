// ABOUTME: Persistent store backend on bbolt
// ABOUTME: One top-level bucket per region and one nested bucket per row

package boltstore

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/nainya/indexedcollections/pkg/store"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// FileName is the database file created inside the data directory
const FileName = "index.bolt"

// Stored values carry a one-byte header so that an empty column value is
// distinguishable from a missing key or a nested bucket.
const valueHeader = 0x01

// Options configures Open
type Options struct {
	// Fsync each commit. Disabling it trades durability for write speed.
	Fsync bool

	// Timeout waits for the file lock held by another process
	Timeout time.Duration
}

// Store implements store.Store on a bbolt database
type Store struct {
	db    *bolt.DB
	path  string
	names store.RegionNames
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database under dir and its region buckets
func Open(dir string, names store.RegionNames, opts Options) (*Store, error) {
	if names == nil {
		names = store.DefaultRegionNames()
	}
	if err := names.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout == 0 {
		opts.Timeout = 1 * time.Second
	}

	s := &Store{path: filepath.Join(dir, FileName), names: names}

	var err error
	if err = os.MkdirAll(dir, 0750); err != nil {
		return nil, store.Unavailable("open", errors.Wrapf(err, "mkdir %s", dir))
	} else if s.db, err = bolt.Open(s.path, 0600, &bolt.Options{Timeout: opts.Timeout, NoSync: !opts.Fsync}); err != nil {
		return nil, store.Unavailable("open", errors.Wrapf(err, "open file: %s", s.path))
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, r := range store.Regions {
			if _, err := tx.CreateBucketIfNotExists([]byte(names[r])); err != nil {
				return errors.Wrapf(err, "create bucket %s", names[r])
			}
		}
		return nil
	}); err != nil {
		s.db.Close()
		return nil, store.Unavailable("open", err)
	}

	return s, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

func (s *Store) regionBucket(tx *bolt.Tx, region store.Region) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(s.names[region]))
	if b == nil {
		return nil, errors.Errorf("bucket %s missing", s.names[region])
	}
	return b, nil
}

// rowBucket returns nil without error when the row has never been written
func (s *Store) rowBucket(tx *bolt.Tx, region store.Region, row []byte) (*bolt.Bucket, error) {
	b, err := s.regionBucket(tx, region)
	if err != nil {
		return nil, err
	}
	return b.Bucket(row), nil
}

func wrap(op string, err error) error {
	if errors.Cause(err) == bolt.ErrDatabaseNotOpen {
		return store.ErrClosed
	}
	return store.Unavailable(op, err)
}

func encodeValue(value []byte) []byte {
	out := make([]byte, 0, len(value)+1)
	out = append(out, valueHeader)
	return append(out, value...)
}

func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 || stored[0] != valueHeader {
		return nil, errors.Errorf("corrupt value header")
	}
	return append([]byte{}, stored[1:]...), nil
}

// Put writes value into column of row
func (s *Store) Put(region store.Region, row, column, value []byte) error {
	return s.Mutate(region, row, []store.Mutation{store.Put(column, value)})
}

// Get reads one column
func (s *Store) Get(region store.Region, row, column []byte) (value []byte, ok bool, err error) {
	if err := store.CheckRow(region, row); err != nil {
		return nil, false, err
	}
	if err := store.CheckColumn(column); err != nil {
		return nil, false, err
	}

	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := s.rowBucket(tx, region, row)
		if err != nil || b == nil {
			return err
		}
		stored := b.Get(column)
		if stored == nil {
			return nil
		}
		if value, err = decodeValue(stored); err != nil {
			return errors.Wrapf(err, "column %x", column)
		}
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, wrap("get", err)
	}
	return value, ok, nil
}

// Delete removes one column and reports whether it existed
func (s *Store) Delete(region store.Region, row, column []byte) (existed bool, err error) {
	if err := store.CheckRow(region, row); err != nil {
		return false, err
	}
	if err := store.CheckColumn(column); err != nil {
		return false, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.rowBucket(tx, region, row)
		if err != nil || b == nil {
			return err
		}
		if b.Get(column) == nil {
			return nil
		}
		existed = true
		return b.Delete(column)
	})
	if err != nil {
		return false, wrap("delete", err)
	}
	return existed, nil
}

// Scan returns the columns of row within r
func (s *Store) Scan(region store.Region, row []byte, r store.Range) ([]store.Column, error) {
	if err := store.CheckRow(region, row); err != nil {
		return nil, err
	}
	if r.Empty() {
		return nil, nil
	}

	var cols []store.Column
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.rowBucket(tx, region, row)
		if err != nil || b == nil {
			return err
		}

		c := b.Cursor()
		var k, v []byte
		if r.Reverse {
			k, v = seekLast(c, r)
		} else {
			k, v = seekFirst(c, r)
		}

		for ; k != nil; k, v = step(c, r.Reverse) {
			if !r.Contains(k) {
				break
			}
			if v == nil {
				continue
			}
			val, err := decodeValue(v)
			if err != nil {
				return errors.Wrapf(err, "column %x", k)
			}
			cols = append(cols, store.Column{Key: append([]byte{}, k...), Value: val})
			if r.Limit > 0 && len(cols) >= r.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("scan", err)
	}
	return cols, nil
}

// seekFirst positions c on the smallest key not below r.Start
func seekFirst(c *bolt.Cursor, r store.Range) ([]byte, []byte) {
	if r.Start == nil {
		return c.First()
	}
	k, v := c.Seek(r.Start)
	if k != nil && !r.StartInclusive && bytes.Equal(k, r.Start) {
		k, v = c.Next()
	}
	return k, v
}

// seekLast positions c on the largest key not above r.End
func seekLast(c *bolt.Cursor, r store.Range) ([]byte, []byte) {
	if r.End == nil {
		return c.Last()
	}
	k, v := c.Seek(r.End)
	if k == nil {
		return c.Last()
	}
	cmp := bytes.Compare(k, r.End)
	if cmp > 0 || (cmp == 0 && !r.EndInclusive) {
		return c.Prev()
	}
	return k, v
}

func step(c *bolt.Cursor, reverse bool) ([]byte, []byte) {
	if reverse {
		return c.Prev()
	}
	return c.Next()
}

// Mutate applies muts to one row inside a single bbolt transaction
func (s *Store) Mutate(region store.Region, row []byte, muts []store.Mutation) error {
	if err := store.CheckRow(region, row); err != nil {
		return err
	}
	if len(muts) == 0 {
		return nil
	}
	for _, m := range muts {
		if err := store.CheckColumn(m.Column); err != nil {
			return err
		}
		if len(m.Column) > bolt.MaxKeySize {
			return errors.Wrapf(store.ErrInvalidArgument, "column key of %d bytes", len(m.Column))
		}
	}
	if len(row) > bolt.MaxKeySize {
		return errors.Wrapf(store.ErrInvalidArgument, "row key of %d bytes", len(row))
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		rb, err := s.regionBucket(tx, region)
		if err != nil {
			return err
		}
		b, err := rb.CreateBucketIfNotExists(row)
		if err != nil {
			return errors.Wrapf(err, "row bucket %x", row)
		}
		for _, m := range muts {
			if m.Delete {
				err = b.Delete(m.Column)
			} else {
				err = b.Put(m.Column, encodeValue(m.Value))
			}
			if err != nil {
				return errors.Wrapf(err, "column %x", m.Column)
			}
		}
		return nil
	})
	if err != nil {
		return wrap("mutate", err)
	}
	return nil
}

// Size returns the size of the database file
func (s *Store) Size() int64 {
	var size int64
	_ = s.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size
}

// Close closes the database file
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return store.Unavailable("close", err)
	}
	return nil
}
