package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Current schema version - increment when the Dump format changes
const dumpSchemaVersion uint16 = 1

// SchemaVersion returns the dump schema this build writes and accepts.
func SchemaVersion() uint16 { return dumpSchemaVersion }

// CompressedExt marks dump files written as an LZ4 frame.
const CompressedExt = ".lz4"

// maxDumpHarts bounds the hart count a decoded dump may claim.
const maxDumpHarts = 1 << 12

// ErrSchemaMismatch is returned when a dump was written by an incompatible
// version.
var ErrSchemaMismatch = errors.New("profile dump schema mismatch")

// CallsiteInfo names a callsite referenced by events.
type CallsiteInfo struct {
	ID    uint64 `msgpack:"id"`
	Name  string `msgpack:"name"`
	Level string `msgpack:"level"`
	File  string `msgpack:"file,omitempty"`
	Line  int    `msgpack:"line,omitempty"`
}

// Dump is the serialized profiler buffer written at shutdown.
type Dump struct {
	// Schema version for safe invalidation when format changes
	Schema    uint16         `msgpack:"schema"`
	Harts     int            `msgpack:"harts"`
	Callsites []CallsiteInfo `msgpack:"callsites"`
	Events    []Event        `msgpack:"events"`
}

// CallsiteName returns the name of a callsite, or a placeholder when the dump
// does not know it.
func (d *Dump) CallsiteName(id uint64) string {
	for _, cs := range d.Callsites {
		if cs.ID == id {
			return cs.Name
		}
	}
	return unknownCallsite(id)
}

func unknownCallsite(id uint64) string {
	return fmt.Sprintf("callsite#%d", id)
}

// Encode writes the dump as msgpack.
func (d *Dump) Encode(w io.Writer) error {
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("failed to encode profile dump: %w", err)
	}
	return nil
}

// DecodeDump reads a msgpack dump.
func DecodeDump(r io.Reader) (*Dump, error) {
	var d Dump
	dec := msgpack.NewDecoder(r)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode profile dump: %w", err)
	}
	if d.Schema != dumpSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSchemaMismatch, d.Schema, dumpSchemaVersion)
	}
	if d.Harts < 0 || d.Harts > maxDumpHarts {
		return nil, fmt.Errorf("profile dump claims %d harts", d.Harts)
	}
	return &d, nil
}

// WriteDumpFile writes the dump atomically: a temp file in the same directory
// is renamed over path. Paths ending in CompressedExt are LZ4 compressed.
func WriteDumpFile(path string, d *Dump) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "profile-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	if strings.HasSuffix(path, CompressedExt) {
		zw := lz4.NewWriter(f)
		if err = d.Encode(zw); err == nil {
			err = zw.Close()
		}
	} else {
		err = d.Encode(f)
	}
	if err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// ReadDumpFile reads a dump written by WriteDumpFile.
func ReadDumpFile(path string) (*Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, CompressedExt) {
		r = lz4.NewReader(f)
	}
	return DecodeDump(r)
}
