// Package journal implements the framed binary crash-recovery journal: an
// on-disk snapshot of every monitored server's effective status, written
// atomically after each tick and replayed once at monitor start.
package journal

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/signal18/monitorcore/diskspace"
	"github.com/signal18/monitorcore/status"
)

// SchemaVersion is the only payload schema this implementation understands.
// A reader that sees anything else refuses the file outright.
const SchemaVersion byte = 0x02

const (
	recordServer byte = 1
	recordMaster byte = 2
)

// ServerEntry is one server's recorded status at write time.
type ServerEntry struct {
	Name   string
	Status status.Status
}

// Payload is the decoded content of a journal file.
type Payload struct {
	Servers    []ServerEntry
	RootMaster string // "" if no master record was present
	HasMaster  bool
}

// Encode serializes payload into the schema-version..last-value byte range
// plus its trailing CRC32, exactly as §4.2 lays out. The returned bytes are
// the full on-disk contents including the leading length prefix.
func Encode(p Payload) []byte {
	var body bytes.Buffer
	body.WriteByte(SchemaVersion)

	for _, s := range p.Servers {
		body.WriteByte(recordServer)
		body.WriteString(s.Name)
		body.WriteByte(0x00)
		var statusBuf [8]byte
		binary.LittleEndian.PutUint64(statusBuf[:], uint64(s.Status))
		body.Write(statusBuf[:])
	}
	if p.HasMaster {
		body.WriteByte(recordMaster)
		body.WriteString(p.RootMaster)
		body.WriteByte(0x00)
	}

	payload := body.Bytes()
	crc := crc32.ChecksumIEEE(payload)

	out := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[4:4+len(payload)], payload)
	binary.LittleEndian.PutUint32(out[4+len(payload):], crc)
	return out
}

// Decode parses a full on-disk journal image (length prefix through CRC)
// and verifies it left-to-right: length, schema byte, CRC, then records
// enforcing null-terminator presence. Any structural problem is returned as
// an error; callers must treat a decode error as "no journal", never fatal.
func Decode(raw []byte) (Payload, error) {
	if len(raw) < 4 {
		return Payload{}, fmt.Errorf("journal: truncated length prefix")
	}
	length := binary.LittleEndian.Uint32(raw[0:4])
	rest := raw[4:]
	if uint64(len(rest)) < uint64(length)+4 {
		return Payload{}, fmt.Errorf("journal: declared length %d exceeds available data", length)
	}
	payload := rest[:length]
	wantCRC := binary.LittleEndian.Uint32(rest[length : length+4])

	if len(payload) < 1 {
		return Payload{}, fmt.Errorf("journal: empty payload")
	}
	if payload[0] != SchemaVersion {
		return Payload{}, fmt.Errorf("journal: unsupported schema version %d", payload[0])
	}

	gotCRC := crc32.ChecksumIEEE(payload)
	if gotCRC != wantCRC {
		return Payload{}, fmt.Errorf("journal: CRC32 mismatch")
	}

	var out Payload
	cursor := payload[1:]
	for len(cursor) > 0 {
		recType := cursor[0]
		cursor = cursor[1:]

		nulAt := bytes.IndexByte(cursor, 0x00)
		if nulAt < 0 {
			return Payload{}, fmt.Errorf("journal: missing null terminator in record")
		}
		name := string(cursor[:nulAt])
		cursor = cursor[nulAt+1:]

		switch recType {
		case recordServer:
			if len(cursor) < 8 {
				return Payload{}, fmt.Errorf("journal: truncated status word for %q", name)
			}
			st := status.Status(binary.LittleEndian.Uint64(cursor[:8]))
			cursor = cursor[8:]
			out.Servers = append(out.Servers, ServerEntry{Name: name, Status: st})
		case recordMaster:
			out.RootMaster = name
			out.HasMaster = true
		default:
			return Payload{}, fmt.Errorf("journal: unknown record type %d", recType)
		}
	}
	return out, nil
}

// Path returns the canonical journal file location for a monitor name
// under datadir.
func Path(datadir, monitorName string) string {
	return filepath.Join(datadir, monitorName, "monitor.dat")
}

// Logf is the logging hook writers and readers call for warnings; it is
// satisfied by *monlog.Logger without journal needing to import it.
type Logf func(format string, args ...interface{})

// Writer persists Payloads for one monitor, suppressing redundant writes
// via a SHA-1 digest of the last successfully written payload.
type Writer struct {
	Datadir     string
	MonitorName string
	Warnf       Logf

	lastHash [sha1.Size]byte
	hasHash  bool
}

// Hash returns the SHA-1 digest of the last successfully persisted
// payload, or the zero value if nothing has been written yet.
func (w *Writer) Hash() [sha1.Size]byte { return w.lastHash }

// SetHash seeds the dedup digest, so that a later Persist of a payload whose
// encoding has that digest is skipped as redundant.
func (w *Writer) SetHash(h [sha1.Size]byte) {
	w.lastHash = h
	w.hasHash = true
}

// Persist serializes payload, skips the write if unchanged since the last
// successful persist, and otherwise writes via unique-temp-file + rename.
// Local disk headroom is checked first purely to produce an earlier
// operator warning; it never blocks the write attempt itself.
func (w *Writer) Persist(payload Payload) error {
	encoded := Encode(payload)
	digest := sha1.Sum(encoded)
	if w.hasHash && digest == w.lastHash {
		return nil
	}

	dir := filepath.Join(w.Datadir, w.MonitorName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("journal: creating %s: %s", dir, err)
	}

	if used, err := diskspace.CheckLocalHeadroom(dir); err == nil && used >= 95 {
		w.logf("local disk at %s is %.1f%% full, journal write may fail", dir, used)
	}

	target := filepath.Join(dir, "monitor.dat")
	tmp := filepath.Join(dir, "monitor.dat"+uuid.NewString())

	if err := os.WriteFile(tmp, encoded, 0o640); err != nil {
		return fmt.Errorf("journal: writing temp file: %s", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("journal: rename failed, journal_hash unchanged: %s", err)
	}

	w.lastHash = digest
	w.hasHash = true
	return nil
}

func (w *Writer) logf(format string, args ...interface{}) {
	if w.Warnf != nil {
		w.Warnf(format, args...)
	}
}

// Reader loads and validates a journal file at start.
type Reader struct {
	Datadir     string
	MonitorName string
	MaxAge      time.Duration
	Warnf       Logf
}

// Load implements staleness (mtime vs MaxAge, delete-and-ignore) and replay.
// A missing file, a stale file, or a corrupt file all resolve to
// (Payload{}, false, nil): "start cold", never a fatal error. Only truly
// unexpected I/O errors (e.g. permission denied reading the directory) are
// returned as err.
func (r *Reader) Load() (Payload, bool, error) {
	path := Path(r.Datadir, r.MonitorName)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Payload{}, false, nil
	}
	if err != nil {
		return Payload{}, false, err
	}

	if r.MaxAge > 0 && time.Since(info.ModTime()) > r.MaxAge {
		r.logf("journal for %s is stale (age %s > %s), deleting", r.MonitorName, time.Since(info.ModTime()), r.MaxAge)
		os.Remove(path)
		return Payload{}, false, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Payload{}, false, nil
		}
		return Payload{}, false, err
	}

	payload, err := Decode(raw)
	if err != nil {
		r.logf("journal for %s is corrupt, ignoring: %s", r.MonitorName, err)
		return Payload{}, false, nil
	}
	return payload, true, nil
}

func (r *Reader) logf(format string, args ...interface{}) {
	if r.Warnf != nil {
		r.Warnf(format, args...)
	}
}
