package scan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/dicomctl/internal/testutil/dcmtest"
	"github.com/danmuck/dicomctl/internal/testutil/testlog"
)

func TestExpandDirectory(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	sub := filepath.Join(dir, "series2")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	b := dcmtest.Write(t, dir, dcmtest.Spec{Name: "b.dcm"})
	a := dcmtest.Write(t, dir, dcmtest.Spec{Name: "a.dcm"})
	nested := dcmtest.Write(t, sub, dcmtest.Spec{Name: "IM0001"})
	dcmtest.Write(t, dir, dcmtest.Spec{Name: "a" + "_converted_explicit_vr.dcm"})
	junk := dcmtest.WriteGarbage(t, dir, "notes.txt")

	flat, err := Expand([]string{dir}, Options{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(flat.Files) != 2 || flat.Files[0] != a || flat.Files[1] != b {
		t.Fatalf("unexpected flat files: %v", flat.Files)
	}
	if len(flat.Skipped) != 1 || flat.Skipped[0] != junk {
		t.Fatalf("unexpected skipped: %v", flat.Skipped)
	}

	deep, err := Expand([]string{dir, a}, Options{Recursive: true})
	if err != nil {
		t.Fatalf("expand recursive: %v", err)
	}
	if len(deep.Files) != 3 || deep.Files[2] != nested {
		t.Fatalf("unexpected recursive files: %v", deep.Files)
	}
}

func TestExpandExplicitFile(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	f := dcmtest.Write(t, dir, dcmtest.Spec{Name: "one.dcm"})
	res, err := Expand([]string{f}, Options{})
	if err != nil || len(res.Files) != 1 {
		t.Fatalf("expand file: files=%v err=%v", res.Files, err)
	}

	junk := dcmtest.WriteGarbage(t, dir, "junk.dcm")
	if _, err := Expand([]string{junk}, Options{}); !errors.Is(err, ErrNotDICOM) {
		t.Fatalf("expected ErrNotDICOM, got %v", err)
	}
	if _, err := Expand([]string{filepath.Join(dir, "missing.dcm")}, Options{}); err == nil {
		t.Fatalf("expected stat error")
	}
}

func TestIsDICOM(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ok, err := IsDICOM(dcmtest.Write(t, dir, dcmtest.Spec{}))
	if err != nil || !ok {
		t.Fatalf("part 10 file not detected: ok=%v err=%v", ok, err)
	}
	ok, err = IsDICOM(dcmtest.WriteGarbage(t, dir, "x.bin"))
	if err != nil || ok {
		t.Fatalf("garbage detected as dicom: ok=%v err=%v", ok, err)
	}
}
