package journal

import (
	"errors"
	"io"
	"os"
)

// Reader reads entries from journal files in order
type Reader struct {
	files   []string // Journal files to read
	current int      // Index into files
	fd      *os.File // Current file
	torn    int      // Files whose tail could not be decoded
}

// NewReader creates a reader for the given files
func NewReader(files []string) *Reader {
	return &Reader{files: files, current: -1}
}

// Next returns the next entry, or io.EOF after the last file. A damaged
// record ends its file: everything after it is treated as a torn write.
func (r *Reader) Next() (*Entry, error) {
	for {
		if r.fd == nil {
			if err := r.nextFile(); err != nil {
				return nil, err
			}
		}

		entry, err := r.readEntry()
		if err == nil {
			return entry, nil
		}

		if err != io.EOF {
			if !errors.Is(err, ErrCorrupted) && !errors.Is(err, ErrTruncated) && err != io.ErrUnexpectedEOF {
				return nil, err
			}
			r.torn++
		}
		r.fd.Close()
		r.fd = nil
	}
}

// Torn returns how many files ended in a damaged record
func (r *Reader) Torn() int {
	return r.torn
}

func (r *Reader) readEntry() (*Entry, error) {
	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(r.fd, header); err != nil {
		return nil, err
	}

	body, err := bodySize(header)
	if err != nil {
		return nil, err
	}
	data := make([]byte, EntryHeaderSize+body)
	copy(data, header)
	if _, err := io.ReadFull(r.fd, data[EntryHeaderSize:]); err != nil {
		return nil, err
	}
	return DecodeEntry(data)
}

func (r *Reader) nextFile() error {
	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}
	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}
	r.fd = fd
	return nil
}

// Close closes the reader
func (r *Reader) Close() error {
	if r.fd != nil {
		err := r.fd.Close()
		r.fd = nil
		return err
	}
	return nil
}

// ReadAll reads every entry from files and reports how many files were torn
func ReadAll(files []string) ([]*Entry, int, error) {
	reader := NewReader(files)
	defer reader.Close()

	var entries []*Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, reader.Torn(), err
		}
		entries = append(entries, entry)
	}
	return entries, reader.Torn(), nil
}
