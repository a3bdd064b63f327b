package send_test

import (
	"context"
	"testing"

	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/danmuck/dicomctl/internal/send"
	"github.com/danmuck/dicomctl/internal/testutil/dcmtest"
	"github.com/danmuck/dicomctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInventoryDistinctEncodings(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	paths := []string{
		dcmtest.Write(t, dir, dcmtest.Spec{Name: "a.dcm"}),
		dcmtest.Write(t, dir, dcmtest.Spec{Name: "b.dcm", TransferSyntax: uid.RLELossless}),
		dcmtest.Write(t, dir, dcmtest.Spec{Name: "c.dcm", SOPClassUID: dcmtest.MRImageStorage}),
		dcmtest.WriteGarbage(t, dir, "junk.dcm"),
	}

	inv := send.Inventory(context.Background(), paths)
	assert.Equal(t, []string{uid.ExplicitVRLittleEndian, uid.RLELossless, send.DefaultEncoding}, inv.Encodings)
	assert.Equal(t, []string{dcmtest.CTImageStorage, dcmtest.MRImageStorage}, inv.Classes)
	assert.Equal(t, []string{paths[3]}, inv.Unreadable)
	assert.Equal(t, send.DefaultEncoding, inv.EncodingOf(paths[3]))
	assert.Equal(t, uid.RLELossless, inv.EncodingOf(paths[1]))
}

func TestProposals(t *testing.T) {
	testlog.Start(t)
	pcs, err := send.Proposals([]string{dcmtest.CTImageStorage, dcmtest.MRImageStorage}, []string{uid.ExplicitVRLittleEndian, uid.RLELossless})
	require.NoError(t, err)
	require.Len(t, pcs, 5)
	assert.Equal(t, uid.Verification, pcs[0].AbstractSyntax)
	for i, pc := range pcs {
		assert.Equal(t, session.ContextID(i), pc.ID)
	}
	assert.Equal(t, []string{uid.RLELossless}, pcs[2].TransferSyntaxes)

	defaults, err := send.Proposals([]string{dcmtest.CTImageStorage}, nil)
	require.NoError(t, err)
	require.Len(t, defaults, 2)
	assert.Equal(t, uid.DefaultTransferSyntaxes(), defaults[1].TransferSyntaxes)

	classes := make([]string, 64)
	for i := range classes {
		classes[i] = "1.2.3." + string(rune('a'+i%26))
	}
	_, err = send.Proposals(classes, []string{uid.ExplicitVRLittleEndian, uid.RLELossless})
	assert.ErrorIs(t, err, session.ErrTooManyContexts)
}

func TestClassify(t *testing.T) {
	testlog.Start(t)
	encodings := []string{uid.ExplicitVRLittleEndian, uid.RLELossless, uid.JPEGBaseline8Bit}
	res := send.NegotiationResult{
		Established: true,
		Accepted: []send.Context{
			{ID: 3, AbstractSyntax: dcmtest.CTImageStorage, TransferSyntax: uid.ExplicitVRLittleEndian},
			{ID: 7, AbstractSyntax: dcmtest.MRImageStorage, TransferSyntax: uid.JPEGBaseline8Bit},
		},
	}
	assert.Equal(t, []string{uid.RLELossless}, send.Classify(res, encodings))
	assert.True(t, res.Supports(dcmtest.MRImageStorage, uid.JPEGBaseline8Bit))
	assert.False(t, res.Supports(dcmtest.CTImageStorage, uid.JPEGBaseline8Bit))
	assert.True(t, res.SupportsClass(dcmtest.CTImageStorage))
	assert.False(t, res.SupportsClass(dcmtest.SCImageStorage))

	assert.Equal(t, encodings, send.Classify(send.NegotiationResult{}, encodings))
}

func TestFlagFiles(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	native := dcmtest.Write(t, dir, dcmtest.Spec{Name: "n.dcm"})
	rle := dcmtest.Write(t, dir, dcmtest.Spec{Name: "r.dcm", TransferSyntax: uid.RLELossless})
	junk := dcmtest.WriteGarbage(t, dir, "junk.dcm")
	paths := []string{native, rle, junk, rle}

	assert.Equal(t, []string{rle}, send.FlagFiles(context.Background(), paths, []string{uid.RLELossless}))
	assert.Equal(t, []string{junk}, send.FlagFiles(context.Background(), paths, []string{send.DefaultEncoding}))
	assert.Nil(t, send.FlagFiles(context.Background(), paths, nil))
}

func TestLikelyIncompatible(t *testing.T) {
	testlog.Start(t)
	for _, text := range []string{
		"No suitable Presentation Context for the SOP class",
		"transfer syntax not accepted (RLE Lossless)",
		"JPEG data is corrupt",
		"operation not supported",
	} {
		assert.True(t, send.LikelyIncompatible(text), text)
	}
	assert.False(t, send.LikelyIncompatible("connection reset by peer"))
}
