// ABOUTME: Disk-based ordered KV store with B+Tree persistence
// ABOUTME: Copy-on-write pages read through mmap and a checksummed meta page

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nainya/indexedcollections/pkg/btree"
)

// ErrCorrupt is returned when the file does not hold a valid database
var ErrCorrupt = errors.New("storage: corrupt database file")

const (
	signature = "IdxColl02\x00\x00\x00\x00\x00\x00\x00"

	// meta layout: | signature [16] | root u64 | pages u64 | free head u64 | crc32 u32 |
	metaSize = 44

	mmapInitial = 64 << 20
)

// DB is a single-file ordered key/value store. Page 0 holds the meta
// record; every other page is a tree node or a free list page. DB is not
// safe for concurrent use; callers serialise access.
type DB struct {
	path string
	fd   int

	root  uint64
	pages uint64 // pages covered by the committed meta, including page 0
	free  freeList

	mmap struct {
		size   int
		chunks [][]byte
	}

	// failed is set when a commit may have left a torn meta page
	failed bool
}

// Open opens or creates the database file at path
func Open(path string) (*DB, error) {
	fd, err := createFileSync(path)
	if err != nil {
		return nil, err
	}
	db := &DB{path: path, fd: fd, pages: 1}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if st.Size == 0 {
		return db, nil
	}

	if err := db.extendMmap(int(st.Size)); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.loadMeta(st.Size); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close unmaps and closes the file
func (db *DB) Close() error {
	var errs []error
	for _, chunk := range db.mmap.chunks {
		if err := unix.Munmap(chunk); err != nil {
			errs = append(errs, err)
		}
	}
	db.mmap.chunks = nil
	if err := unix.Close(db.fd); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Get returns the committed value under key. The slice aliases the
// mapping and is valid until the next Update.
func (db *DB) Get(key []byte) ([]byte, bool) {
	return db.committed().Get(key)
}

// ScanRange visits committed keys between lo and hi
func (db *DB) ScanRange(lo, hi btree.Bound, reverse bool, fn func(key, val []byte) bool) {
	db.committed().ScanRange(lo, hi, reverse, fn)
}

// Size returns the number of bytes covered by committed pages
func (db *DB) Size() int64 {
	return int64(db.pages) * btree.PageSize
}

// FreePages returns the number of pages waiting for reuse
func (db *DB) FreePages() int {
	return len(db.free.avail)
}

func (db *DB) committed() *btree.Tree {
	return btree.New(readOnly{db}, db.root)
}

// readOnly serves committed pages and refuses writes
type readOnly struct {
	db *DB
}

func (r readOnly) Page(ptr uint64) []byte {
	return r.db.mapped(ptr)
}

func (r readOnly) Alloc([]byte) uint64 {
	panic("storage: write outside a transaction")
}

func (r readOnly) Free(uint64) {
	panic("storage: write outside a transaction")
}

// mapped returns page ptr from the mapping
func (db *DB) mapped(ptr uint64) []byte {
	offset := int(ptr) * btree.PageSize
	for _, chunk := range db.mmap.chunks {
		if offset < len(chunk) {
			return chunk[offset : offset+btree.PageSize]
		}
		offset -= len(chunk)
	}
	panic(fmt.Sprintf("storage: page %d beyond mapping (%d pages committed)", ptr, db.pages))
}

func (db *DB) encodeMeta(root, pages, freeHead uint64) []byte {
	buf := make([]byte, metaSize)
	copy(buf, signature)
	binary.LittleEndian.PutUint64(buf[16:], root)
	binary.LittleEndian.PutUint64(buf[24:], pages)
	binary.LittleEndian.PutUint64(buf[32:], freeHead)
	binary.LittleEndian.PutUint32(buf[40:], crc32.ChecksumIEEE(buf[:40]))
	return buf
}

func (db *DB) loadMeta(fileSize int64) error {
	if fileSize < btree.PageSize {
		return fmt.Errorf("%w: file is %d bytes", ErrCorrupt, fileSize)
	}
	buf := db.mmap.chunks[0][:metaSize]
	if string(buf[:16]) != signature {
		return fmt.Errorf("%w: bad signature", ErrCorrupt)
	}
	if crc32.ChecksumIEEE(buf[:40]) != binary.LittleEndian.Uint32(buf[40:]) {
		return fmt.Errorf("%w: meta checksum mismatch", ErrCorrupt)
	}

	root := binary.LittleEndian.Uint64(buf[16:])
	pages := binary.LittleEndian.Uint64(buf[24:])
	head := binary.LittleEndian.Uint64(buf[32:])
	if pages == 0 || int64(pages)*btree.PageSize > fileSize || root >= pages {
		return fmt.Errorf("%w: meta points past the end of the file", ErrCorrupt)
	}

	fl, err := decodeList(head, pages, db.mapped)
	if err != nil {
		return err
	}
	db.root, db.pages, db.free = root, pages, fl
	return nil
}

// extendMmap maps enough of the file to cover size bytes
func (db *DB) extendMmap(size int) error {
	if size <= db.mmap.size {
		return nil
	}
	alloc := mmapInitial
	if db.mmap.size > alloc {
		alloc = db.mmap.size
	}
	for db.mmap.size+alloc < size {
		alloc *= 2
	}
	chunk, err := unix.Mmap(db.fd, int64(db.mmap.size), alloc, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	db.mmap.size += alloc
	db.mmap.chunks = append(db.mmap.chunks, chunk)
	return nil
}

func (db *DB) pwrite(ptr uint64, p []byte) error {
	if _, err := unix.Pwrite(db.fd, p, int64(ptr)*btree.PageSize); err != nil {
		return fmt.Errorf("write page %d: %w", ptr, err)
	}
	return nil
}

// createFileSync opens or creates file and syncs its directory so the
// directory entry survives a crash
func createFileSync(file string) (int, error) {
	fd, err := unix.Open(file, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open file: %w", err)
	}
	dirfd, err := unix.Open(filepath.Dir(file), os.O_RDONLY, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("open directory: %w", err)
	}
	defer unix.Close(dirfd)
	if err := unix.Fsync(dirfd); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fsync directory: %w", err)
	}
	return fd, nil
}
