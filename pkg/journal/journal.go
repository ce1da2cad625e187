package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nainya/indexedcollections/internal/metrics"
)

const (
	// DefaultMaxFileSize triggers a checkpoint once the active file grows past it
	DefaultMaxFileSize = 16 << 20

	// FileName is the base name of journal files inside the data directory
	FileName = "intents.journal"
)

// Journal is an append-only log of attribute update intents.
//
// Every BEGIN is written (and optionally fsynced) before the update touches
// the store, so an intent without COMMIT after a restart names an update
// that may have stopped part way.
type Journal struct {
	// Path is the base path; files are Path.000, Path.001, ...
	Path string

	// Fsync syncs the file after every record
	Fsync bool

	// MaxFileSize triggers a checkpoint; zero means DefaultMaxFileSize
	MaxFileSize int64

	// Metrics, when set, tracks the number of pending intents
	Metrics *metrics.Metrics

	mu         sync.Mutex
	fd         *os.File
	fileIndex  int
	fileSize   int64
	lsn        uint64
	lastIntent uint64
	pending    map[uint64]*Entry
	recovered  []Intent
	stats      RecoveryStats
	closed     bool
}

// Open reads existing journal files, rebuilds the pending set and opens the
// newest file for appending
func (j *Journal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.MaxFileSize == 0 {
		j.MaxFileSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(filepath.Dir(j.Path), 0755); err != nil {
		return err
	}

	files, err := j.findFiles()
	if err != nil {
		return err
	}

	entries, torn, err := ReadAll(files)
	if err != nil {
		return fmt.Errorf("journal: read: %w", err)
	}
	st := recoverEntries(entries)
	st.stats.TornFiles = torn

	j.lsn = st.lastLSN
	j.lastIntent = st.lastIntent
	j.pending = st.pending
	j.recovered = st.intents()
	j.stats = st.stats

	if len(files) > 0 {
		latest := files[len(files)-1]
		if _, err := fmt.Sscanf(filepath.Base(latest), j.baseName()+".%d", &j.fileIndex); err != nil {
			j.fileIndex = 0
		}
	}

	// A torn tail would hide everything appended after it, so start clean
	if torn > 0 || len(files) == 0 {
		if len(files) > 0 {
			j.fileIndex++
		}
		if err := j.rewriteNoLock(); err != nil {
			return err
		}
	} else {
		fd, err := os.OpenFile(files[len(files)-1], os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		stat, err := fd.Stat()
		if err != nil {
			fd.Close()
			return err
		}
		j.fd = fd
		j.fileSize = stat.Size()
	}

	j.closed = false
	j.updateGauge()
	return nil
}

// Stats returns what Open recovered from disk
func (j *Journal) Stats() RecoveryStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// Recovered returns intents left pending by a previous run and not yet
// resolved
func (j *Journal) Recovered() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Intent(nil), j.recovered...)
}

// Pending returns the number of intents without COMMIT or RESOLVE
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Begin records the start of an update of name on entity
func (j *Journal) Begin(entity uuid.UUID, name string) (uint64, error) {
	if len(name) > MaxNameSize {
		return 0, fmt.Errorf("journal: attribute name of %d bytes", len(name))
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	j.lastIntent++
	entry := &Entry{
		Intent:    j.lastIntent,
		Op:        OpBegin,
		Entity:    entity,
		Name:      name,
		Timestamp: time.Now(),
	}
	if err := j.writeNoLock(entry); err != nil {
		return 0, err
	}
	j.pending[entry.Intent] = entry
	j.updateGauge()
	return entry.Intent, nil
}

// Commit records that every store write of intent id completed
func (j *Journal) Commit(id uint64) error {
	return j.finish(id, OpCommit)
}

// Resolve records that recovered intents have been verified
func (j *Journal) Resolve(ids ...uint64) error {
	for _, id := range ids {
		if err := j.finish(id, OpResolve); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) finish(id uint64, op Op) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if _, ok := j.pending[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownIntent, id)
	}

	if err := j.writeNoLock(&Entry{Intent: id, Op: op, Timestamp: time.Now()}); err != nil {
		return err
	}
	delete(j.pending, id)
	if op == OpResolve {
		for i, in := range j.recovered {
			if in.ID == id {
				j.recovered = append(j.recovered[:i], j.recovered[i+1:]...)
				break
			}
		}
	}
	j.updateGauge()

	if j.fileSize > j.MaxFileSize {
		return j.checkpointNoLock()
	}
	return nil
}

// Checkpoint starts a new file holding only the pending intents and
// removes every older file
func (j *Journal) Checkpoint() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return j.checkpointNoLock()
}

func (j *Journal) checkpointNoLock() error {
	if err := j.fd.Sync(); err != nil {
		return err
	}
	if err := j.fd.Close(); err != nil {
		return err
	}
	j.fd = nil
	j.fileIndex++
	return j.rewriteNoLock()
}

// rewriteNoLock creates file fileIndex with a checkpoint marker followed by
// every pending BEGIN, syncs it and deletes all older files
func (j *Journal) rewriteNoLock() error {
	fd, err := os.OpenFile(j.filePath(j.fileIndex), os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	j.fd = fd
	j.fileSize = 0

	ids := make([]uint64, 0, len(j.pending))
	for id := range j.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	if err := j.appendNoLock(&Entry{Op: OpCheckpoint, Timestamp: time.Now()}); err != nil {
		return err
	}
	for _, id := range ids {
		if err := j.appendNoLock(j.pending[id]); err != nil {
			return err
		}
	}
	if err := j.fd.Sync(); err != nil {
		return err
	}

	files, err := j.findFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if f != j.filePath(j.fileIndex) {
			os.Remove(f) // Best effort; stale files only repeat known records
		}
	}
	return nil
}

func (j *Journal) writeNoLock(entry *Entry) error {
	if err := j.appendNoLock(entry); err != nil {
		return err
	}
	if j.Fsync {
		return j.fd.Sync()
	}
	return nil
}

// appendNoLock assigns the next LSN and writes entry (caller must hold mu)
func (j *Journal) appendNoLock(entry *Entry) error {
	if j.fd == nil {
		return ErrClosed
	}
	j.lsn++
	entry.LSN = j.lsn
	n, err := j.fd.Write(entry.Encode())
	j.fileSize += int64(n)
	return err
}

func (j *Journal) updateGauge() {
	if j.Metrics != nil {
		j.Metrics.JournalPendingIntents.Set(float64(len(j.pending)))
	}
}

// Close syncs and closes the active file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed || j.fd == nil {
		j.closed = true
		return nil
	}
	j.closed = true
	if err := j.fd.Sync(); err != nil {
		j.fd.Close()
		return err
	}
	return j.fd.Close()
}

func (j *Journal) baseName() string {
	return filepath.Base(j.Path)
}

func (j *Journal) filePath(index int) string {
	return filepath.Join(filepath.Dir(j.Path), fmt.Sprintf("%s.%03d", j.baseName(), index))
}

// findFiles returns the journal files sorted by index
func (j *Journal) findFiles() ([]string, error) {
	dir := filepath.Dir(j.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type indexed struct {
		path  string
		index int
	}
	var found []indexed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(e.Name(), j.baseName()+".%d", &idx); err == nil {
			found = append(found, indexed{filepath.Join(dir, e.Name()), idx})
		}
	}
	sort.Slice(found, func(a, b int) bool { return found[a].index < found[b].index })

	files := make([]string, len(found))
	for i, f := range found {
		files[i] = f.path
	}
	return files, nil
}
