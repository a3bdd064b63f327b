package transcode_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/danmuck/dicomctl/internal/dcmfile"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/danmuck/dicomctl/internal/testutil/dcmtest"
	"github.com/danmuck/dicomctl/internal/testutil/testlog"
	"github.com/danmuck/dicomctl/internal/transcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertedPath(t *testing.T) {
	testlog.Start(t)
	assert.Equal(t, "/a/b/img.dcm_converted_explicit_vr.dcm", transcode.ConvertedPath("/a/b/img.dcm"))
	assert.Equal(t, "/a/b/IMG.DCM_converted_explicit_vr.dcm", transcode.ConvertedPath("/a/b/IMG.DCM"))
	assert.Equal(t, "/a/b/raw_converted_explicit_vr.dcm", transcode.ConvertedPath("/a/b/raw"))
	assert.NotEqual(t, transcode.ConvertedPath("/a/b/IMG1"), transcode.ConvertedPath("/a/b/IMG1.dcm"))
}

func TestConvertSameStemDistinctOutputs(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	bare := dcmtest.Write(t, dir, dcmtest.Spec{Name: "IMG1", SOPInstanceUID: "1.2.3.100", TransferSyntax: uid.RLELossless})
	ext := dcmtest.Write(t, dir, dcmtest.Spec{Name: "IMG1.dcm", SOPInstanceUID: "1.2.3.200", TransferSyntax: uid.RLELossless})

	records := transcode.New().ConvertAll(context.Background(), []string{bare, ext}, nil)
	require.Len(t, records, 2)
	for _, r := range records {
		require.NoError(t, r.Err)
		require.True(t, r.Validated)
	}
	assert.NotEqual(t, records[0].Converted, records[1].Converted)

	for i, want := range []string{"1.2.3.100", "1.2.3.200"} {
		h, err := dcmfile.ReadHeader(records[i].Converted)
		require.NoError(t, err)
		assert.Equal(t, want, h.SOPInstanceUID)
	}
}

func TestConvertKeepsExistingOutput(t *testing.T) {
	testlog.Start(t)
	src := dcmtest.Write(t, t.TempDir(), dcmtest.Spec{TransferSyntax: uid.RLELossless})
	dst := transcode.ConvertedPath(src)
	require.NoError(t, os.WriteFile(dst, []byte("someone else's"), 0o644))

	rec := transcode.New().Convert(context.Background(), src)
	assert.ErrorIs(t, rec.Err, transcode.ErrOutputExists)
	assert.True(t, transcode.IsFallback(rec))
	assert.False(t, rec.Validated)
	assert.Equal(t, src, rec.Path())

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "someone else's", string(got))
}

func TestConvertAllRefusesOutputCollision(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	src := dcmtest.Write(t, dir, dcmtest.Spec{Name: "a.dcm", TransferSyntax: uid.RLELossless})
	alias := dir + "/./a.dcm"
	require.NotEqual(t, src, alias)

	records := transcode.New().ConvertAll(context.Background(), []string{src, alias}, nil)
	require.Len(t, records, 2)
	require.NoError(t, records[0].Err)
	assert.True(t, records[0].Validated)

	assert.ErrorIs(t, records[1].Err, transcode.ErrOutputCollision)
	assert.True(t, transcode.IsFallback(records[1]))
	assert.Equal(t, alias, records[1].Path())
	assert.Equal(t, uid.RLELossless, records[1].SourceSyntax)
	assert.FileExists(t, records[0].Converted)
}

func TestConvertRLE16BitMultiFrame(t *testing.T) {
	testlog.Start(t)
	spec := dcmtest.Spec{TransferSyntax: uid.RLELossless, Rows: 6, Columns: 5, Frames: 3, BitsAllocated: 16}
	src := dcmtest.Write(t, t.TempDir(), spec)

	rec := transcode.New().Convert(context.Background(), src)
	require.NoError(t, rec.Err)
	require.True(t, rec.Validated)
	assert.True(t, rec.Needed())
	assert.Equal(t, uid.RLELossless, rec.SourceSyntax)
	assert.Equal(t, transcode.ConvertedPath(src), rec.Converted)
	assert.Equal(t, rec.Converted, rec.Path())

	d, err := dcmfile.ReadDecoded(rec.Converted)
	require.NoError(t, err)
	assert.Equal(t, uid.Canonical, d.TransferSyntax)
	assert.Equal(t, dcmfile.Geometry{Frames: 3, Rows: 6, Columns: 5, SamplesPerPixel: 1}, d.Geometry)
	assert.Equal(t, 16, d.BitsPerSample)
}

func TestConvertRLEColour(t *testing.T) {
	testlog.Start(t)
	spec := dcmtest.Spec{TransferSyntax: uid.RLELossless, Rows: 4, Columns: 4, SamplesPerPixel: 3}
	src := dcmtest.Write(t, t.TempDir(), spec)

	rec := transcode.New().Convert(context.Background(), src)
	require.NoError(t, rec.Err)
	require.True(t, rec.Validated)

	h, err := dcmfile.ReadHeader(rec.Converted)
	require.NoError(t, err)
	assert.Equal(t, 3, h.SamplesPerPixel)
}

func TestConvertJPEGBaseline(t *testing.T) {
	testlog.Start(t)
	spec := dcmtest.Spec{TransferSyntax: uid.JPEGBaseline8Bit, Rows: 16, Columns: 16}
	src := dcmtest.Write(t, t.TempDir(), spec)

	rec := transcode.New().Convert(context.Background(), src)
	require.NoError(t, rec.Err)
	require.True(t, rec.Validated)

	orig, err := dcmfile.ReadHeader(src)
	require.NoError(t, err)
	conv, err := dcmfile.ReadHeader(rec.Converted)
	require.NoError(t, err)
	assert.Equal(t, orig.SOPInstanceUID, conv.SOPInstanceUID)
	assert.Equal(t, orig.StudyInstanceUID, conv.StudyInstanceUID)
	assert.Equal(t, orig.PatientID, conv.PatientID)
}

func TestConvertPassThroughNative(t *testing.T) {
	testlog.Start(t)
	src := dcmtest.Write(t, t.TempDir(), dcmtest.Spec{TransferSyntax: uid.ImplicitVRLittleEndian})

	rec := transcode.New().Convert(context.Background(), src)
	require.NoError(t, rec.Err)
	assert.False(t, rec.Needed())
	assert.False(t, rec.Validated)
	assert.Empty(t, rec.Converted)
	assert.Equal(t, src, rec.Path())
	assert.NoFileExists(t, transcode.ConvertedPath(src))
}

func TestConvertUnsupportedSyntaxFallsBack(t *testing.T) {
	testlog.Start(t)
	src := dcmtest.Write(t, t.TempDir(), dcmtest.Spec{TransferSyntax: uid.JPEG2000})

	rec := transcode.New().Convert(context.Background(), src)
	require.Error(t, rec.Err)
	assert.ErrorIs(t, rec.Err, transcode.ErrNoDecoder)
	assert.True(t, transcode.IsFallback(rec))
	assert.Equal(t, src, rec.Path())
	assert.NoFileExists(t, transcode.ConvertedPath(src))
}

func TestConvertWrongShapeFailsValidation(t *testing.T) {
	testlog.Start(t)
	spec := dcmtest.Spec{TransferSyntax: uid.RLELossless, Rows: 4, Columns: 4}
	src := dcmtest.Write(t, t.TempDir(), spec)

	// Decoder that silently drops a row.
	short := transcode.DecoderFunc(func(frames [][]byte, h dcmfile.Header) (dcmfile.NativeImage, error) {
		return dcmfile.NativeImage{
			Frames:          [][]byte{make([]byte, 3*4)},
			Rows:            3,
			Columns:         4,
			SamplesPerPixel: 1,
			BitsAllocated:   8,
		}, nil
	})
	tc := &transcode.Transcoder{Registry: transcode.Registry{uid.RLELossless: short}, Workers: 1}

	rec := tc.Convert(context.Background(), src)
	var verr *transcode.ValidationError
	require.ErrorAs(t, rec.Err, &verr)
	assert.False(t, rec.Validated)
	assert.Equal(t, src, rec.Path())
	assert.NoFileExists(t, transcode.ConvertedPath(src))
}

func TestConvertDecoderErrorFallsBack(t *testing.T) {
	testlog.Start(t)
	src := dcmtest.Write(t, t.TempDir(), dcmtest.Spec{TransferSyntax: uid.RLELossless})
	boom := errors.New("boom")
	tc := &transcode.Transcoder{Registry: transcode.Registry{
		uid.RLELossless: transcode.DecoderFunc(func([][]byte, dcmfile.Header) (dcmfile.NativeImage, error) {
			return dcmfile.NativeImage{}, boom
		}),
	}}

	rec := tc.Convert(context.Background(), src)
	var terr *transcode.TranscodeError
	require.ErrorAs(t, rec.Err, &terr)
	assert.ErrorIs(t, rec.Err, boom)
	assert.Equal(t, "decode", terr.Op)
	assert.NoFileExists(t, transcode.ConvertedPath(src))
}

func TestConvertCorruptRLE(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	src := dcmtest.Write(t, dir, dcmtest.Spec{TransferSyntax: uid.RLELossless, Rows: 4, Columns: 4, BitsAllocated: 16})
	// Declare 8 bits so the segment count no longer matches.
	tc := &transcode.Transcoder{Registry: transcode.Registry{
		uid.RLELossless: transcode.DecoderFunc(func(frames [][]byte, h dcmfile.Header) (dcmfile.NativeImage, error) {
			h.BitsAllocated = 8
			return transcode.DefaultRegistry()[uid.RLELossless].Decode(frames, h)
		}),
	}}
	rec := tc.Convert(context.Background(), src)
	assert.ErrorIs(t, rec.Err, transcode.ErrCorruptFrame)
	assert.NoFileExists(t, transcode.ConvertedPath(src))
}

func TestConvertAllPreservesOrderAndDedupes(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	rle := dcmtest.Batch(t, dir, 4, dcmtest.Spec{TransferSyntax: uid.RLELossless})
	native := dcmtest.Write(t, dir, dcmtest.Spec{Name: "native.dcm"})
	paths := []string{rle[0], native, rle[1], rle[2], rle[0], rle[3]}

	var (
		mu    sync.Mutex
		calls []int
		total int
	)
	tc := &transcode.Transcoder{Registry: transcode.DefaultRegistry(), Workers: 3}
	records := tc.ConvertAll(context.Background(), paths, func(done, n int, path string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, done)
		total = n
	})

	require.Len(t, records, len(paths))
	for i, r := range records {
		assert.Equal(t, paths[i], r.Original, "record %d out of order", i)
	}
	assert.Equal(t, records[0], records[4])
	assert.False(t, records[1].Needed())
	assert.Equal(t, 5, total)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, calls)

	sent := transcode.Substitute(paths, records)
	assert.Equal(t, transcode.ConvertedPath(rle[0]), sent[0])
	assert.Equal(t, native, sent[1])
	assert.Equal(t, sent[0], sent[4])
}

func TestConvertAllCancelled(t *testing.T) {
	testlog.Start(t)
	paths := dcmtest.Batch(t, t.TempDir(), 2, dcmtest.Spec{TransferSyntax: uid.RLELossless})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := transcode.New().ConvertAll(ctx, paths, nil)
	for _, r := range records {
		assert.ErrorIs(t, r.Err, context.Canceled)
		assert.False(t, transcode.IsFallback(r))
		assert.NoFileExists(t, transcode.ConvertedPath(r.Original))
	}
}

func TestValidateRejectsNonCanonical(t *testing.T) {
	testlog.Start(t)
	src := dcmtest.Write(t, t.TempDir(), dcmtest.Spec{TransferSyntax: uid.ImplicitVRLittleEndian})
	h, err := dcmfile.ReadHeader(src)
	require.NoError(t, err)

	err = transcode.Validate(src, h)
	var verr *transcode.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, uid.Canonical)

	missing := filepath.Join(t.TempDir(), "gone.dcm")
	require.Error(t, transcode.Validate(missing, h))
	_, statErr := os.Stat(missing)
	assert.True(t, os.IsNotExist(statErr))
}
