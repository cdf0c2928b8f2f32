// Package wal implements the write-ahead log: an append-only, CRC32-
// checksummed record stream consulted by Open for crash recovery and
// truncated by the flush coordinator once its contents are durable on the
// page layer. Grounded on the teacher's storage.WAL, generalized from a
// fixed-width int64 key to a variable-length common.Key and a type byte
// distinguishing writes from deletes.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"treeline/pkg/common"
)

// Each record on disk: [crc32 4B][sequence 8B][type 1B][keyLen 4B][key]
// [valLen 4B][value]. The CRC covers everything after itself.
const fixedHeaderSize = 4 + 8 + 1 + 4

// WAL is an append-only log of buffered writes and deletes.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

// Open creates or reopens the WAL file at path in append mode.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	return &WAL{file: f, buf: bufio.NewWriter(f)}, nil
}

// Append writes one record to the log and flushes it to the OS (not
// necessarily to stable storage — call Sync for that, which bypass_wal
// callers skip entirely by never calling Append in the first place).
func (w *WAL) Append(rec common.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	valLen := uint32(0)
	if rec.Type == common.EntryWrite {
		valLen = uint32(len(rec.Value))
	}

	header := make([]byte, fixedHeaderSize)
	binary.LittleEndian.PutUint64(header[4:12], rec.Sequence)
	header[12] = byte(rec.Type)
	binary.LittleEndian.PutUint32(header[13:17], uint32(len(rec.Key)))

	valLenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(valLenBuf, valLen)

	checksum := crc32.NewIEEE()
	checksum.Write(header[4:])
	checksum.Write(rec.Key)
	checksum.Write(valLenBuf)
	if rec.Type == common.EntryWrite {
		checksum.Write(rec.Value)
	}
	binary.LittleEndian.PutUint32(header[0:4], checksum.Sum32())

	if _, err := w.buf.Write(header); err != nil {
		return fmt.Errorf("wal: append header: %w", err)
	}
	if _, err := w.buf.Write(rec.Key); err != nil {
		return fmt.Errorf("wal: append key: %w", err)
	}
	if _, err := w.buf.Write(valLenBuf); err != nil {
		return fmt.Errorf("wal: append vallen: %w", err)
	}
	if rec.Type == common.EntryWrite {
		if _, err := w.buf.Write(rec.Value); err != nil {
			return fmt.Errorf("wal: append value: %w", err)
		}
	}
	return w.buf.Flush()
}

// Sync flushes buffered writes and fsyncs the underlying file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	return w.file.Sync()
}

// Truncate discards the log's contents, called once the flush coordinator
// has durably applied everything it contains.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("wal: flush before truncate: %w", err)
	}
	path := w.file.Name()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before truncate: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen after truncate: %w", err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	return w.file.Sync()
}

// Size reports the current on-disk size of the log.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return 0, fmt.Errorf("wal: flush: %w", err)
	}
	st, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("wal: stat: %w", err)
	}
	return st.Size(), nil
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Iterator reads records back out of the log in append order, used by
// Open to replay unflushed writes into the buffer after a crash.
type Iterator struct {
	file   *os.File
	reader *bufio.Reader
}

// NewIterator opens an independent read handle on the log, positioned at
// the start.
func (w *WAL) NewIterator() (*Iterator, error) {
	f, err := os.Open(w.file.Name())
	if err != nil {
		return nil, fmt.Errorf("wal: open iterator: %w", err)
	}
	return &Iterator{file: f, reader: bufio.NewReader(f)}, nil
}

// Next returns the next record, or io.EOF once the log is exhausted.
func (it *Iterator) Next() (common.Record, error) {
	header := make([]byte, fixedHeaderSize)
	if _, err := io.ReadFull(it.reader, header); err != nil {
		return common.Record{}, err
	}

	storedCRC := binary.LittleEndian.Uint32(header[0:4])
	sequence := binary.LittleEndian.Uint64(header[4:12])
	typ := common.EntryType(header[12])
	keyLen := binary.LittleEndian.Uint32(header[13:17])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(it.reader, key); err != nil {
		return common.Record{}, fmt.Errorf("wal: corrupted key: %w", common.ErrCorrupted)
	}

	valLenBuf := make([]byte, 4)
	if _, err := io.ReadFull(it.reader, valLenBuf); err != nil {
		return common.Record{}, fmt.Errorf("wal: corrupted vallen: %w", common.ErrCorrupted)
	}
	valLen := binary.LittleEndian.Uint32(valLenBuf)

	var value []byte
	if typ == common.EntryWrite {
		value = make([]byte, valLen)
		if _, err := io.ReadFull(it.reader, value); err != nil {
			return common.Record{}, fmt.Errorf("wal: corrupted value: %w", common.ErrCorrupted)
		}
	}

	checksum := crc32.NewIEEE()
	checksum.Write(header[4:])
	checksum.Write(key)
	checksum.Write(valLenBuf)
	if typ == common.EntryWrite {
		checksum.Write(value)
	}
	if checksum.Sum32() != storedCRC {
		return common.Record{}, fmt.Errorf("wal: crc mismatch: %w", common.ErrCorrupted)
	}

	return common.Record{Key: key, Value: value, Type: typ, Sequence: sequence}, nil
}

// Close closes the iterator's read handle.
func (it *Iterator) Close() error {
	return it.file.Close()
}
