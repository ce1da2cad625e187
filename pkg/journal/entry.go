package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
)

// Op is the kind of journal record
type Op byte

const (
	// OpBegin marks the start of a multi-step attribute update
	OpBegin Op = 1

	// OpCommit marks an update whose store writes all completed
	OpCommit Op = 2

	// OpResolve marks an interrupted update that recovery has verified
	OpResolve Op = 3

	// OpCheckpoint marks a compaction point; earlier files were dropped
	OpCheckpoint Op = 4
)

func (o Op) String() string {
	switch o {
	case OpBegin:
		return "BEGIN"
	case OpCommit:
		return "COMMIT"
	case OpResolve:
		return "RESOLVE"
	case OpCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("OP(%d)", byte(o))
	}
}

const (
	// EntryHeaderSize is the fixed size of the entry header
	// Layout: LSN(8) + Intent(8) + Op(1) + Reserved(3) + NameLen(4) + Timestamp(8) + Entity(16)
	EntryHeaderSize = 48

	// MaxNameSize bounds the attribute name carried by an entry
	MaxNameSize = 1 << 16
)

// Entry is a single journal record
type Entry struct {
	LSN       uint64    // Log sequence number, monotonically increasing
	Intent    uint64    // Intent the record belongs to
	Op        Op        // Record kind
	Entity    uuid.UUID // Entity being updated (BEGIN only)
	Name      string    // Attribute being updated (BEGIN only)
	Timestamp time.Time // Time the record was written
}

// Encode serializes the entry with a trailing CRC32 checksum
// Format: [Header(48)] [Name] [CRC32(4)]
func (e *Entry) Encode() []byte {
	buf := make([]byte, e.Size())

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.Intent)
	buf[16] = byte(e.Op)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(e.Name)))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(e.Timestamp.UnixNano()))
	copy(buf[32:48], e.Entity[:])

	offset := EntryHeaderSize
	offset += copy(buf[offset:], e.Name)

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)
	return buf
}

// bodySize returns how many bytes follow a header, checksum included
func bodySize(header []byte) (int, error) {
	n := binary.LittleEndian.Uint32(header[20:24])
	if n > MaxNameSize {
		return 0, ErrCorrupted
	}
	return int(n) + 4, nil
}

// DecodeEntry deserializes an entry and verifies its checksum
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}

	body, err := bodySize(data[:EntryHeaderSize])
	if err != nil {
		return nil, err
	}
	if len(data) < EntryHeaderSize+body {
		return nil, ErrTruncated
	}
	data = data[:EntryHeaderSize+body]

	end := len(data) - 4
	if binary.LittleEndian.Uint32(data[end:]) != crc32.ChecksumIEEE(data[:end]) {
		return nil, ErrCorrupted
	}

	entry := &Entry{
		LSN:       binary.LittleEndian.Uint64(data[0:8]),
		Intent:    binary.LittleEndian.Uint64(data[8:16]),
		Op:        Op(data[16]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[24:32]))),
		Name:      string(data[EntryHeaderSize:end]),
	}
	copy(entry.Entity[:], data[32:48])
	return entry, nil
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Name) + 4
}

func (e *Entry) String() string {
	return fmt.Sprintf("journal[LSN=%d Intent=%d Op=%s Entity=%s Name=%q]",
		e.LSN, e.Intent, e.Op, e.Entity, e.Name)
}
