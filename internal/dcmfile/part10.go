package dcmfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/dicomctl/internal/protocol/uid"
)

const (
	PreambleLen = 128
	magic       = "DICM"
)

var (
	ErrNotPart10     = errors.New("dcmfile: missing DICM prefix")
	ErrTruncatedMeta = errors.New("dcmfile: truncated file meta group")
)

// Meta is the group 0002 file meta information.
type Meta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
	ImplementationClassUID     string
	ImplementationVersionName  string
	SourceAETitle              string
}

// ReadMeta consumes preamble, prefix and meta group from r and returns the
// byte offset at which the data set starts.
func ReadMeta(r *bufio.Reader) (Meta, int64, error) {
	head := make([]byte, PreambleLen+len(magic))
	if _, err := io.ReadFull(r, head); err != nil {
		return Meta{}, 0, fmt.Errorf("%w: %v", ErrNotPart10, err)
	}
	if string(head[PreambleLen:]) != magic {
		return Meta{}, 0, ErrNotPart10
	}
	offset := int64(len(head))

	var m Meta
	for {
		peek, err := r.Peek(2)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return m, offset, nil
			}
			return Meta{}, 0, err
		}
		if binary.LittleEndian.Uint16(peek) != 0x0002 {
			return m, offset, nil
		}
		element, value, n, err := readExplicitElement(r)
		if err != nil {
			return Meta{}, 0, err
		}
		offset += n
		v := uid.Normalize(string(value))
		switch element {
		case 0x0002:
			m.MediaStorageSOPClassUID = v
		case 0x0003:
			m.MediaStorageSOPInstanceUID = v
		case 0x0010:
			m.TransferSyntaxUID = v
		case 0x0012:
			m.ImplementationClassUID = v
		case 0x0013:
			m.ImplementationVersionName = v
		case 0x0016:
			m.SourceAETitle = v
		}
	}
}

// Explicit VRs that use the 4-byte length form.
var longVRs = map[string]bool{"OB": true, "OW": true, "OF": true, "OD": true, "OL": true, "SQ": true, "UT": true, "UN": true, "UC": true, "UR": true}

func readExplicitElement(r io.Reader) (uint16, []byte, int64, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, 0, ErrTruncatedMeta
	}
	element := binary.LittleEndian.Uint16(hdr[2:4])
	vr := string(hdr[4:6])
	n := int64(8)
	var length uint32
	if longVRs[vr] {
		var ext [4]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return 0, nil, 0, ErrTruncatedMeta
		}
		length = binary.LittleEndian.Uint32(ext[:])
		n += 4
	} else {
		length = uint32(binary.LittleEndian.Uint16(hdr[6:8]))
	}
	if length > 1<<20 {
		return 0, nil, 0, fmt.Errorf("%w: element (0002,%04x) length %d", ErrTruncatedMeta, element, length)
	}
	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return 0, nil, 0, ErrTruncatedMeta
	}
	return element, value, n + int64(length), nil
}

// EncodeMeta renders preamble, prefix and a meta group with its group length.
func EncodeMeta(m Meta) []byte {
	if m.ImplementationClassUID == "" {
		m.ImplementationClassUID = uid.ImplementationClass
	}
	if m.ImplementationVersionName == "" {
		m.ImplementationVersionName = uid.ImplementationVersion
	}
	var body []byte
	body = appendMetaElement(body, 0x0001, "OB", []byte{0x00, 0x01})
	body = appendMetaElement(body, 0x0002, "UI", padUID(m.MediaStorageSOPClassUID))
	body = appendMetaElement(body, 0x0003, "UI", padUID(m.MediaStorageSOPInstanceUID))
	body = appendMetaElement(body, 0x0010, "UI", padUID(m.TransferSyntaxUID))
	body = appendMetaElement(body, 0x0012, "UI", padUID(m.ImplementationClassUID))
	body = appendMetaElement(body, 0x0013, "SH", padText(m.ImplementationVersionName))
	if strings.TrimSpace(m.SourceAETitle) != "" {
		body = appendMetaElement(body, 0x0016, "AE", padText(m.SourceAETitle))
	}

	out := make([]byte, PreambleLen, PreambleLen+len(magic)+12+len(body))
	out = append(out, magic...)
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(len(body)))
	out = appendMetaElement(out, 0x0000, "UL", groupLen)
	return append(out, body...)
}

func appendMetaElement(b []byte, element uint16, vr string, value []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, 0x0002)
	b = binary.LittleEndian.AppendUint16(b, element)
	b = append(b, vr...)
	if longVRs[vr] {
		b = append(b, 0, 0)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(value)))
	} else {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(value)))
	}
	return append(b, value...)
}

func padUID(v string) []byte {
	b := []byte(v)
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return b
}

func padText(v string) []byte {
	b := []byte(v)
	if len(b)%2 == 1 {
		b = append(b, ' ')
	}
	return b
}

// DatasetReader is an open Part 10 file positioned at its data set.
type DatasetReader struct {
	Meta Meta
	Size int64
	io.Reader
	f *os.File
}

func (d *DatasetReader) Close() error {
	return d.f.Close()
}

// OpenDataset opens path and skips its meta group so the remaining bytes can
// be streamed as a C-STORE data set.
func OpenDataset(path string) (*DatasetReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	br := bufio.NewReaderSize(f, 64*1024)
	meta, offset, err := ReadMeta(br)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &DatasetReader{Meta: meta, Size: st.Size() - offset, Reader: br, f: f}, nil
}

// ReadFileMeta reads only the meta group of path.
func ReadFileMeta(path string) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()
	meta, _, err := ReadMeta(bufio.NewReader(f))
	return meta, err
}

// WritePart10 writes meta plus data set bytes to path through a temp file in
// the same directory, so readers never observe a partial file.
func WritePart10(path string, meta Meta, dataset io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".part10-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	bw := bufio.NewWriter(tmp)
	if _, err := bw.Write(EncodeMeta(meta)); err != nil {
		cleanup()
		return err
	}
	if _, err := io.Copy(bw, dataset); err != nil {
		cleanup()
		return err
	}
	if err := bw.Flush(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// WritePart10Bytes is WritePart10 for an in-memory data set.
func WritePart10Bytes(path string, meta Meta, dataset []byte) error {
	return WritePart10(path, meta, bytes.NewReader(dataset))
}
