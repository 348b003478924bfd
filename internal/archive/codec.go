package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
)

var (
	headerMagic  = []byte("TLCA")
	trailerMagic = []byte("TLCE")
)

type sectionKind uint8

const (
	manifestSection sectionKind = 1
	entitySection   sectionKind = 2
)

const manifestName = "manifest"

// MaxSectionBytes bounds the decompressed size of one section.
const MaxSectionBytes = 256 << 20

// FormatError reports a malformed or corrupt container.
type FormatError struct {
	Section string // empty for container-level problems
	Reason  string
	Err     error
}

func (e *FormatError) Error() string {
	msg := "archive format: "
	if e.Section != "" {
		msg += "section " + strconv.Quote(e.Section) + ": "
	}
	msg += e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// DecodeOptions tunes Decode.
type DecodeOptions struct {
	// AllowPartial records corrupt entity sections in Archive.Corrupt instead
	// of failing. Container damage and manifest corruption stay fatal.
	AllowPartial bool
}

// Checksum renders the section checksum stored in the manifest.
func Checksum(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

// Encode writes the archive container. The manifest entries are rebuilt from
// the sections, so counts and checksums always match the payload.
func Encode(a *Archive) ([]byte, error) {
	if a == nil {
		return nil, &FormatError{Reason: "nil archive"}
	}
	payloads := make([][]byte, len(a.Sections))
	entries := make([]ManifestEntry, len(a.Sections))
	seen := make(map[string]bool, len(a.Sections))
	for i, s := range a.Sections {
		if s.Type == "" || s.Type == manifestName {
			return nil, &FormatError{Section: s.Type, Reason: "invalid section name"}
		}
		if seen[s.Type] {
			return nil, &FormatError{Section: s.Type, Reason: "duplicate section"}
		}
		seen[s.Type] = true
		records := s.Records
		if records == nil {
			records = []EntityRecord{}
		}
		p, err := json.Marshal(records)
		if err != nil {
			return nil, &FormatError{Section: s.Type, Reason: "encode records", Err: err}
		}
		payloads[i] = p
		entries[i] = ManifestEntry{Type: s.Type, Count: len(s.Records), Checksum: Checksum(p)}
	}
	a.Manifest.FormatVersion = FormatVersion
	a.Manifest.Entities = entries
	mp, err := json.Marshal(a.Manifest)
	if err != nil {
		return nil, &FormatError{Section: manifestName, Reason: "encode manifest", Err: err}
	}

	var buf bytes.Buffer
	buf.Write(headerMagic)
	_ = binary.Write(&buf, binary.BigEndian, uint16(FormatVersion))
	if err := writeSection(&buf, manifestSection, manifestName, mp); err != nil {
		return nil, err
	}
	for i, s := range a.Sections {
		if err := writeSection(&buf, entitySection, s.Type, payloads[i]); err != nil {
			return nil, err
		}
	}
	buf.Write(trailerMagic)
	return buf.Bytes(), nil
}

func writeSection(buf *bytes.Buffer, kind sectionKind, name string, payload []byte) error {
	if len(name) > math.MaxUint16 {
		return &FormatError{Section: name, Reason: "section name too long"}
	}
	if len(payload) > MaxSectionBytes {
		return &FormatError{Section: name, Reason: "section too large"}
	}
	compressed := snappy.Encode(nil, payload)
	if uint64(len(compressed)) > math.MaxUint32 {
		return &FormatError{Section: name, Reason: "section too large"}
	}
	buf.WriteByte(byte(kind))
	_ = binary.Write(buf, binary.BigEndian, uint16(len(name)))
	buf.WriteString(name)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(compressed)))
	_ = binary.Write(buf, binary.BigEndian, xxhash.Sum64(payload))
	buf.Write(compressed)
	return nil
}

type frame struct {
	kind     sectionKind
	name     string
	checksum uint64
	data     []byte // compressed
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) take(n int) ([]byte, bool) {
	if n < 0 || len(r.b)-r.off < n {
		return nil, false
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, true
}

func (r *reader) atTrailer() bool {
	return bytes.HasPrefix(r.b[r.off:], trailerMagic)
}

func (r *reader) next() (frame, error) {
	truncated := &FormatError{Reason: "truncated container"}
	h, ok := r.take(3)
	if !ok {
		return frame{}, truncated
	}
	f := frame{kind: sectionKind(h[0])}
	name, ok := r.take(int(binary.BigEndian.Uint16(h[1:3])))
	if !ok {
		return frame{}, truncated
	}
	f.name = string(name)
	meta, ok := r.take(12)
	if !ok {
		return frame{}, truncated
	}
	f.checksum = binary.BigEndian.Uint64(meta[4:12])
	data, ok := r.take(int(binary.BigEndian.Uint32(meta[0:4])))
	if !ok {
		return frame{}, &FormatError{Section: f.name, Reason: "truncated section"}
	}
	f.data = data
	return f, nil
}

// payload decompresses the frame and verifies its checksum. The declared
// length is checked before anything is allocated.
func (f frame) payload() ([]byte, error) {
	n, err := snappy.DecodedLen(f.data)
	if err != nil {
		return nil, &FormatError{Section: f.name, Reason: "decompress", Err: err}
	}
	if n > MaxSectionBytes {
		return nil, &FormatError{Section: f.name, Reason: fmt.Sprintf("section declares %d bytes, limit is %d", n, MaxSectionBytes)}
	}
	p, err := snappy.Decode(nil, f.data)
	if err != nil {
		return nil, &FormatError{Section: f.name, Reason: "decompress", Err: err}
	}
	if xxhash.Sum64(p) != f.checksum {
		return nil, &FormatError{Section: f.name, Reason: "checksum mismatch"}
	}
	return p, nil
}

// readHeader checks the container header and decodes the manifest frame. The
// returned reader is positioned at the first entity section.
func readHeader(b []byte) (*reader, Manifest, error) {
	if len(b) < len(headerMagic)+2 {
		return nil, Manifest{}, &FormatError{Reason: "truncated container"}
	}
	if !bytes.Equal(b[:len(headerMagic)], headerMagic) {
		return nil, Manifest{}, &FormatError{Reason: "bad magic"}
	}
	if v := binary.BigEndian.Uint16(b[len(headerMagic):]); v != FormatVersion {
		return nil, Manifest{}, &FormatError{Reason: fmt.Sprintf("unsupported format version %d (want %d)", v, FormatVersion)}
	}
	r := &reader{b: b, off: len(headerMagic) + 2}

	if r.atTrailer() || r.off == len(b) {
		return nil, Manifest{}, &FormatError{Reason: "missing manifest"}
	}
	mf, err := r.next()
	if err != nil {
		return nil, Manifest{}, err
	}
	if mf.kind != manifestSection {
		return nil, Manifest{}, &FormatError{Reason: "missing manifest"}
	}
	mp, err := mf.payload()
	if err != nil {
		return nil, Manifest{}, err
	}
	var m Manifest
	if err := unmarshal(mp, &m); err != nil {
		return nil, Manifest{}, &FormatError{Section: manifestName, Reason: "decode manifest", Err: err}
	}
	return r, m, nil
}

// Decode parses an archive container and verifies every section checksum.
// It performs no referential or semantic validation.
func Decode(b []byte, opts DecodeOptions) (*Archive, error) {
	r, m, err := readHeader(b)
	if err != nil {
		return nil, err
	}
	a := &Archive{Manifest: m}

	seen := map[string]bool{}
	for {
		if r.atTrailer() {
			r.off += len(trailerMagic)
			break
		}
		if r.off == len(b) {
			return nil, &FormatError{Reason: "missing trailer"}
		}
		f, err := r.next()
		if err != nil {
			return nil, err
		}
		if f.kind != entitySection {
			return nil, &FormatError{Section: f.name, Reason: fmt.Sprintf("unexpected section kind %d", f.kind)}
		}
		if seen[f.name] {
			return nil, &FormatError{Section: f.name, Reason: "duplicate section"}
		}
		seen[f.name] = true

		records, err := decodeSection(f, a.Manifest)
		if err != nil {
			if !opts.AllowPartial {
				return nil, err
			}
			a.Corrupt = append(a.Corrupt, f.name)
			continue
		}
		a.Sections = append(a.Sections, Section{Type: f.name, Records: records})
	}
	if r.off != len(b) {
		return nil, &FormatError{Reason: "trailing bytes after trailer"}
	}
	return a, nil
}

func decodeSection(f frame, m Manifest) ([]EntityRecord, error) {
	p, err := f.payload()
	if err != nil {
		return nil, err
	}
	if e, ok := m.Entry(f.name); ok && e.Checksum != Checksum(p) {
		return nil, &FormatError{Section: f.name, Reason: "manifest checksum disagrees with section"}
	}
	var records []EntityRecord
	if err := unmarshal(p, &records); err != nil {
		return nil, &FormatError{Section: f.name, Reason: "decode records", Err: err}
	}
	for i := range records {
		records[i].Type = f.name
	}
	return records, nil
}

// ReadManifest decodes only the manifest section. Entity sections are
// neither decompressed nor verified.
func ReadManifest(b []byte) (Manifest, error) {
	_, m, err := readHeader(b)
	return m, err
}

// unmarshal keeps numbers as json.Number so integer keys and large values
// survive unchanged until the catalog coerces them.
func unmarshal(p []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	return dec.Decode(v)
}
