package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Archive {
	return &Archive{
		Manifest: Manifest{
			ArchiveID:     "01HZX0000000000000000000AA",
			TenantID:      "t1",
			ExportedAt:    time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
			SchemaVersion: 3,
		},
		Sections: []Section{
			{Type: "project", Records: []EntityRecord{
				{Key: []string{"p1"}, Fields: map[string]any{"code": "p1", "name": "Alpha"}},
				{Key: []string{"p2"}, Fields: map[string]any{"code": "p2", "name": "Beta"}},
			}},
			{Type: "knowledge_item", Records: []EntityRecord{
				{Key: []string{"k1"}, Fields: map[string]any{"external_code": "k1", "position": 3},
					Refs: map[string]Ref{"project_id": {Target: "project", Key: []string{"p1"}}}},
			}},
			{Type: "tag"},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := sample()
	b, err := Encode(a)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, []byte("TLCA")))
	assert.True(t, bytes.HasSuffix(b, []byte("TLCE")))

	got, err := Decode(b, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, got.Manifest.FormatVersion)
	assert.Equal(t, "t1", got.Manifest.TenantID)
	assert.True(t, got.Manifest.ExportedAt.Equal(a.Manifest.ExportedAt))
	require.Len(t, got.Manifest.Entities, 3)
	assert.Equal(t, 2, got.Manifest.Entities[0].Count)
	assert.Equal(t, 0, got.Manifest.Entities[2].Count)

	ki := got.Records("knowledge_item")
	require.Len(t, ki, 1)
	assert.Equal(t, "knowledge_item", ki[0].Type)
	assert.Equal(t, json.Number("3"), ki[0].Fields["position"])
	assert.Equal(t, Ref{Target: "project", Key: []string{"p1"}}, ki[0].Refs["project_id"])
	assert.Equal(t, 3, got.Count())
	assert.Empty(t, got.Corrupt)
}

func TestEncodeRejectsDuplicateSection(t *testing.T) {
	a := sample()
	a.Sections = append(a.Sections, Section{Type: "tag"})
	_, err := Encode(a)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "tag", fe.Section)
}

func TestDecodeFailures(t *testing.T) {
	b, err := Encode(sample())
	require.NoError(t, err)

	badVersion := append([]byte(nil), b...)
	badVersion[5] = 9

	cases := map[string][]byte{
		"empty":            nil,
		"bad magic":        append([]byte("XXXX"), b[4:]...),
		"bad version":      badVersion,
		"truncated":        b[:len(b)-10],
		"missing trailer":  b[:len(b)-4],
		"trailing bytes":   append(append([]byte(nil), b...), 0),
		"missing manifest": append(append([]byte("TLCA"), b[4:6]...), []byte("TLCE")...),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in, DecodeOptions{AllowPartial: true})
			var fe *FormatError
			require.True(t, errors.As(err, &fe), "got %v", err)
		})
	}
}

// corrupt flips a byte inside the compressed payload of the named section.
func corrupt(t *testing.T, b []byte, section string) []byte {
	t.Helper()
	out := append([]byte(nil), b...)
	r := &reader{b: out, off: len(headerMagic) + 2}
	for !r.atTrailer() {
		f, err := r.next()
		require.NoError(t, err)
		if f.name == section {
			start := r.off - len(f.data)
			out[start+len(f.data)/2] ^= 0xff
			return out
		}
	}
	t.Fatalf("section %q not found", section)
	return nil
}

func TestDecodeCorruptSection(t *testing.T) {
	b, err := Encode(sample())
	require.NoError(t, err)
	bad := corrupt(t, b, "knowledge_item")

	_, err = Decode(bad, DecodeOptions{})
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "knowledge_item", fe.Section)

	a, err := Decode(bad, DecodeOptions{AllowPartial: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"knowledge_item"}, a.Corrupt)
	assert.True(t, a.IsCorrupt("knowledge_item"))
	_, ok := a.Section("knowledge_item")
	assert.False(t, ok)
	assert.Len(t, a.Records("project"), 2)
}

func TestDecodeCorruptManifestIsFatal(t *testing.T) {
	b, err := Encode(sample())
	require.NoError(t, err)
	bad := corrupt(t, b, manifestName)

	_, err = Decode(bad, DecodeOptions{AllowPartial: true})
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, manifestName, fe.Section)
}

func TestDecodeManifestChecksumDisagreement(t *testing.T) {
	a := sample()
	_, err := Encode(a)
	require.NoError(t, err)

	// Keep the original manifest but write a shorter, self-consistent project section.
	m := a.Manifest
	a.Sections[0].Records = a.Sections[0].Records[:1]

	var buf bytes.Buffer
	buf.Write(headerMagic)
	buf.Write([]byte{0, FormatVersion})
	mp, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, writeSection(&buf, manifestSection, manifestName, mp))
	p, err := json.Marshal(a.Sections[0].Records)
	require.NoError(t, err)
	require.NoError(t, writeSection(&buf, entitySection, "project", p))
	buf.Write(trailerMagic)

	_, err = Decode(buf.Bytes(), DecodeOptions{})
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Reason, "manifest checksum")
}

// frameBytes writes a raw section frame around an arbitrary compressed block.
func frameBytes(kind sectionKind, name string, block []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(kind))
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(name)))
	buf.WriteString(name)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(block)))
	_ = binary.Write(&buf, binary.BigEndian, uint64(0))
	buf.Write(block)
	return buf.Bytes()
}

func TestDecodeRejectsOversizedSection(t *testing.T) {
	// A snappy block header claiming 1 GiB, followed by a single literal byte.
	block := append(binary.AppendUvarint(nil, 1<<30), 0x00, 'x')

	var buf bytes.Buffer
	buf.Write(headerMagic)
	buf.Write([]byte{0, FormatVersion})
	buf.Write(frameBytes(manifestSection, manifestName, block))
	buf.Write(trailerMagic)

	for name, decode := range map[string]func([]byte) error{
		"decode":        func(b []byte) error { _, err := Decode(b, DecodeOptions{AllowPartial: true}); return err },
		"read manifest": func(b []byte) error { _, err := ReadManifest(b); return err },
	} {
		t.Run(name, func(t *testing.T) {
			err := decode(buf.Bytes())
			var fe *FormatError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, manifestName, fe.Section)
			assert.Contains(t, fe.Reason, "limit")
		})
	}
}

func TestDecodeRejectsOversizedEntitySection(t *testing.T) {
	b, err := Encode(sample())
	require.NoError(t, err)
	r, _, err := readHeader(b)
	require.NoError(t, err)

	block := append(binary.AppendUvarint(nil, MaxSectionBytes+1), 0x00, 'x')
	var buf bytes.Buffer
	buf.Write(b[:r.off])
	buf.Write(frameBytes(entitySection, "project", block))
	buf.Write(trailerMagic)

	_, err = Decode(buf.Bytes(), DecodeOptions{})
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "project", fe.Section)

	a, err := Decode(buf.Bytes(), DecodeOptions{AllowPartial: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"project"}, a.Corrupt)
}

func TestReadManifestSkipsEntitySections(t *testing.T) {
	b, err := Encode(sample())
	require.NoError(t, err)
	bad := corrupt(t, b, "knowledge_item")

	m, err := ReadManifest(bad)
	require.NoError(t, err)
	assert.Equal(t, "01HZX0000000000000000000AA", m.ArchiveID)
	require.Len(t, m.Entities, 3)
	assert.Equal(t, 1, m.Entities[1].Count)

	_, err = ReadManifest(corrupt(t, b, manifestName))
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
}
