// Package journal is a crash-safe append-only log of accepted readings that
// sits in front of the buffered store writer.
//
// The file holds two kinds of newline-terminated records:
//
//	R <seq> <crc32> <reading JSON>
//	C <seq>
//
// An R record carries one reading in its wire encoding, checksummed so a torn
// or corrupted tail is detected. A C record moves the commit watermark: every
// reading with a sequence at or below it has reached the store. Scanning stops
// at the first record that does not parse.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tinytelemetry/sensord/internal/model"
)

const (
	fileMode = 0644
	dirMode  = 0755
)

const (
	kindReading = 'R'
	kindCommit  = 'C'
)

var errCorrupt = errors.New("journal: corrupt record")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Journal is safe for concurrent use.
type Journal struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	nextSeq   uint64
	committed uint64
}

// Open creates or opens the journal at path. Committed readings and any
// unreadable tail are dropped by rewriting the file before it is reopened for
// appends.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	committed, maxSeq, err := rewrite(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return &Journal{
		path:      path,
		file:      f,
		nextSeq:   max(maxSeq, committed) + 1,
		committed: committed,
	}, nil
}

// Append durably records r and returns its sequence number.
func (j *Journal) Append(r *model.Reading) (uint64, error) {
	if r == nil {
		return 0, errors.New("journal: nil reading")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("journal: encode reading: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, errors.New("journal: closed")
	}

	seq := j.nextSeq
	if err := j.write(readingRecord(seq, payload)); err != nil {
		return 0, err
	}
	j.nextSeq++
	return seq, nil
}

// Commit advances the watermark to seq. Once every appended reading is
// committed the file is truncated down to the watermark alone.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq <= j.committed {
		return nil
	}
	if j.file == nil {
		return errors.New("journal: closed")
	}

	if seq >= j.nextSeq-1 {
		if err := j.file.Truncate(0); err != nil {
			return fmt.Errorf("journal: truncate: %w", err)
		}
	}
	if err := j.write(commitRecord(seq)); err != nil {
		return err
	}
	j.committed = seq
	return nil
}

func (j *Journal) write(rec []byte) error {
	if _, err := j.file.Write(rec); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

// Committed returns the commit watermark.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Replay calls fn for every uncommitted reading in sequence order.
func (j *Journal) Replay(fn func(seq uint64, r *model.Reading) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path, committed := j.path, j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	// Commits appended after the snapshot above are not Replay's concern.
	return scan(f, func(kind byte, seq uint64, payload []byte) error {
		if kind != kindReading || seq <= committed {
			return nil
		}
		var r model.Reading
		if err := json.Unmarshal(payload, &r); err != nil {
			return errCorrupt
		}
		return fn(seq, &r)
	})
}

// Close closes the journal file. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func readingRecord(seq uint64, payload []byte) []byte {
	rec := make([]byte, 0, len(payload)+32)
	rec = append(rec, kindReading, ' ')
	rec = strconv.AppendUint(rec, seq, 10)
	rec = append(rec, ' ')
	rec = strconv.AppendUint(rec, uint64(crc32.Checksum(payload, crcTable)), 16)
	rec = append(rec, ' ')
	rec = append(rec, payload...)
	return append(rec, '\n')
}

func commitRecord(seq uint64) []byte {
	rec := []byte{kindCommit, ' '}
	rec = strconv.AppendUint(rec, seq, 10)
	return append(rec, '\n')
}

// parseRecord decodes one line without its trailing newline.
func parseRecord(line []byte) (kind byte, seq uint64, payload []byte, err error) {
	if len(line) < 3 || line[1] != ' ' {
		return 0, 0, nil, errCorrupt
	}
	kind, rest := line[0], line[2:]
	switch kind {
	case kindCommit:
		seq, err = strconv.ParseUint(string(rest), 10, 64)
		if err != nil {
			return 0, 0, nil, errCorrupt
		}
		return kind, seq, nil, nil
	case kindReading:
		seqField, rest, ok := bytes.Cut(rest, []byte{' '})
		if !ok {
			return 0, 0, nil, errCorrupt
		}
		crcField, payload, ok := bytes.Cut(rest, []byte{' '})
		if !ok {
			return 0, 0, nil, errCorrupt
		}
		seq, err = strconv.ParseUint(string(seqField), 10, 64)
		if err != nil {
			return 0, 0, nil, errCorrupt
		}
		sum, err := strconv.ParseUint(string(crcField), 16, 32)
		if err != nil || uint32(sum) != crc32.Checksum(payload, crcTable) {
			return 0, 0, nil, errCorrupt
		}
		return kind, seq, payload, nil
	}
	return 0, 0, nil, errCorrupt
}

// scan feeds every well-formed record of r to fn. It stops without error at
// a line that is unterminated or fails to parse; errors from fn other than
// errCorrupt are returned.
func scan(r io.Reader, fn func(kind byte, seq uint64, payload []byte) error) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("journal: read: %w", err)
		}
		kind, seq, payload, perr := parseRecord(line[:len(line)-1])
		if perr != nil {
			return nil
		}
		if ferr := fn(kind, seq, payload); ferr != nil {
			if errors.Is(ferr, errCorrupt) {
				return nil
			}
			return ferr
		}
	}
}

// rewrite replaces the file at path with its uncommitted readings preceded by
// the commit watermark. It returns the watermark and the highest sequence
// seen.
func rewrite(path string) (committed, maxSeq uint64, err error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, fileMode)
	if err != nil {
		return 0, 0, fmt.Errorf("journal: open for rewrite: %w", err)
	}
	defer src.Close()

	type pending struct {
		seq     uint64
		payload []byte
	}
	var readings []pending
	err = scan(src, func(kind byte, seq uint64, payload []byte) error {
		maxSeq = max(maxSeq, seq)
		switch kind {
		case kindCommit:
			committed = max(committed, seq)
		case kindReading:
			readings = append(readings, pending{seq: seq, payload: bytes.Clone(payload)})
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	tmpPath := path + ".rewrite"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return 0, 0, fmt.Errorf("journal: open rewrite file: %w", err)
	}
	w := bufio.NewWriter(dst)
	if committed > 0 {
		_, _ = w.Write(commitRecord(committed))
	}
	for _, p := range readings {
		if p.seq > committed {
			_, _ = w.Write(readingRecord(p.seq, p.payload))
		}
	}

	fail := func(op string, err error) (uint64, uint64, error) {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("journal: rewrite %s: %w", op, err)
	}
	if err := w.Flush(); err != nil {
		return fail("write", err)
	}
	if err := dst.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("journal: rewrite close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("journal: rewrite rename: %w", err)
	}
	return committed, maxSeq, nil
}
