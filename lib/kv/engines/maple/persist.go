package maple

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/freeze/lib/kv"
	"io"
	"sort"
)

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

/*
	Snapshot format (all integers little-endian):

	magic "MAPLEKV\x00" | version uint8 | table count uint32
	per table:  name length uint32 | name | entry count uint64
	per entry:  key length uint32 | key | value length uint32 | value

	Tables and keys are written in ascending order, so equal states produce
	equal snapshots.
*/

// Save writes the committed state of all tables to w.
// Commits are blocked while the snapshot is taken.
func (maple *mapleImpl) Save(w io.Writer) error {
	if maple.closed.Load() {
		return kv.ErrClosed
	}

	maple.commitMu.Lock()
	defer maple.commitMu.Unlock()

	// Use a buffered writer for better performance
	bw := bufio.NewWriterSize(w, 1024*1024) // 1 MB buffer

	names := make([]string, 0, maple.tables.Size())
	maple.tables.Range(func(name string, _ *table) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)

	// Write file header
	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(mapleVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(names))); err != nil {
		return err
	}

	entries := 0
	for _, name := range names {
		t, ok := maple.tables.Load(name)
		if !ok {
			continue
		}
		keys := t.committedKeys()
		sort.Strings(keys)

		if err := writeChunk(bw, []byte(name)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint64(len(keys))); err != nil {
			return err
		}
		for _, key := range keys {
			e, _ := t.committed(key)
			if err := writeChunk(bw, []byte(key)); err != nil {
				return err
			}
			if err := writeChunk(bw, e.Value); err != nil {
				return err
			}
		}
		entries += len(keys)
	}

	// Flush buffer to ensure all data is written
	if err := bw.Flush(); err != nil {
		return err
	}
	log.Infof("saved snapshot with %d tables and %d entries", len(names), entries)
	return nil
}

// Load replaces all tables with the snapshot read from r.
// Load must not run concurrently with open transactions.
func (maple *mapleImpl) Load(r io.Reader) error {
	if maple.closed.Load() {
		return kv.ErrClosed
	}

	// Use a buffered reader for better performance
	br := bufio.NewReaderSize(r, 1024*1024) // 1 MB buffer

	// Read and verify magic number
	magicBytes := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magicBytes); err != nil {
		return err
	}
	if string(magicBytes) != magicNum {
		return fmt.Errorf("invalid file format: magic number mismatch")
	}

	// Read and verify version
	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}
	if int(version) != mapleVersion {
		return fmt.Errorf("unsupported version: %d (expected %d)", version, mapleVersion)
	}

	var tableCount uint32
	if err := binary.Read(br, binary.LittleEndian, &tableCount); err != nil {
		return err
	}

	// build the new state first, the current one stays intact on error
	v := maple.version.Add(1)
	loaded := make(map[string]*table, tableCount)
	entries := 0
	for i := uint32(0); i < tableCount; i++ {
		name, err := readChunk(br)
		if err != nil {
			return fmt.Errorf("reading table name: %w", err)
		}
		t := maple.newTable(string(name))

		var count uint64
		if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
			return err
		}
		for j := uint64(0); j < count; j++ {
			key, err := readChunk(br)
			if err != nil {
				return fmt.Errorf("reading key of table %q: %w", name, err)
			}
			value, err := readChunk(br)
			if err != nil {
				return fmt.Errorf("reading value of table %q: %w", name, err)
			}
			t.apply(string(key), &pendingWrite{value: value}, v)
			entries++
		}
		loaded[t.name] = t
	}

	maple.commitMu.Lock()
	defer maple.commitMu.Unlock()

	maple.tables.Clear()
	for name, t := range loaded {
		maple.tables.Store(name, t)
	}

	log.Infof("loaded snapshot with %d tables and %d entries", len(loaded), entries)
	return nil
}

func writeChunk(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readChunk(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
