package send_test

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/dicomctl/internal/protocol/dimse"
	"github.com/danmuck/dicomctl/internal/scp"
	"github.com/danmuck/dicomctl/internal/send"
	"github.com/danmuck/dicomctl/internal/testutil/archivetest"
	"github.com/danmuck/dicomctl/internal/testutil/dcmtest"
	"github.com/danmuck/dicomctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deliveries(paths []string) []send.Delivery {
	out := make([]send.Delivery, len(paths))
	for i, p := range paths {
		out[i] = send.Delivery{Original: p, Path: p}
	}
	return out
}

func engineFor(t *testing.T, addr string) *send.Engine {
	return &send.Engine{
		Negotiator:   send.Negotiator{Peer: peerFor(t, addr), Session: archivetest.Fast(), Echo: true},
		DIMSETimeout: 2 * time.Second,
	}
}

func TestEngineStatusTaxonomy(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ok := dcmtest.Write(t, dir, dcmtest.Spec{Name: "ok.dcm", SOPInstanceUID: "1.2.3.1"})
	warn := dcmtest.Write(t, dir, dcmtest.Spec{Name: "warn.dcm", SOPInstanceUID: "1.2.3.2"})
	fail := dcmtest.Write(t, dir, dcmtest.Spec{Name: "fail.dcm", SOPInstanceUID: "1.2.3.3"})
	archive := archivetest.Start(t, scp.Policy{
		StatusFor: func(in scp.StoredInstance) (uint16, string) {
			switch in.SOPInstanceUID {
			case "1.2.3.2":
				return 0xB000, ""
			case "1.2.3.3":
				return dimse.StatusCannotUnderstand, "bad pixels"
			}
			return dimse.StatusSuccess, ""
		},
	})

	var progress []send.Counts
	e := engineFor(t, archive.Addr)
	e.Progress = func(index, total int, c send.Counts, file string) {
		assert.Equal(t, 3, total)
		progress = append(progress, c)
	}
	res := e.Deliver(context.Background(), deliveries([]string{ok, warn, fail}))

	require.NoError(t, res.Err)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, send.StateSent, res.Outcomes[0].State)
	assert.Equal(t, send.StateWarned, res.Outcomes[1].State)
	assert.Equal(t, "warn.dcm: Warning 0xB000", res.Outcomes[1].Detail)
	assert.Equal(t, send.StateFailed, res.Outcomes[2].State)
	assert.Contains(t, res.Outcomes[2].Detail, "0xC000")
	assert.Contains(t, res.Outcomes[2].Detail, "bad pixels")
	assert.NotEmpty(t, res.Outcomes[2].Hint)
	require.NotNil(t, res.Outcomes[2].Status)
	assert.Equal(t, dimse.StatusCannotUnderstand, *res.Outcomes[2].Status)
	assert.Equal(t, []send.Counts{{Sent: 1}, {Sent: 1, Warned: 1}, {Sent: 1, Warned: 1, Failed: 1}}, progress)
}

func TestEngineClassNotAccepted(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ct := dcmtest.Write(t, dir, dcmtest.Spec{Name: "ct.dcm"})
	sc := dcmtest.Write(t, dir, dcmtest.Spec{Name: "sc.dcm", SOPClassUID: dcmtest.SCImageStorage})
	archive := archivetest.Start(t, scp.Policy{SOPClasses: []string{dcmtest.CTImageStorage}})

	res := engineFor(t, archive.Addr).Deliver(context.Background(), deliveries([]string{ct, sc}))
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, send.StateSent, res.Outcomes[0].State)
	assert.Equal(t, send.StateFailed, res.Outcomes[1].State)
	assert.True(t, strings.HasPrefix(res.Outcomes[1].Detail, "sc.dcm: object class not accepted"))
	assert.Nil(t, res.Outcomes[1].Status)
	assert.Len(t, archive.Service.Received(), 1)
}

// Files are stored under the data set's SOP class, the one the inventory
// proposed, even when the meta group disagrees or is empty.
func TestEngineStoresUnderDatasetClass(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	mismatched := dcmtest.Write(t, dir, dcmtest.Spec{Name: "mismatch.dcm", MetaSOPClassUID: dcmtest.MRImageStorage})
	empty := dcmtest.Write(t, dir, dcmtest.Spec{Name: "empty.dcm", OmitMetaClass: true})
	archive := archivetest.Start(t, scp.Policy{SOPClasses: []string{dcmtest.CTImageStorage}})

	res := engineFor(t, archive.Addr).Deliver(context.Background(), deliveries([]string{mismatched, empty}))
	require.NoError(t, res.Err)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		assert.Equal(t, send.StateSent, o.State, o.Detail)
	}
	received := archive.Service.Received()
	require.Len(t, received, 2)
	for _, in := range received {
		assert.Equal(t, dcmtest.CTImageStorage, in.SOPClassUID)
	}
}

func TestEngineReestablishesAfterDrop(t *testing.T) {
	testlog.Start(t)
	archive := archivetest.Start(t, scp.Policy{DropAfter: 3})
	files := dcmtest.Batch(t, t.TempDir(), 6, dcmtest.Spec{})

	res := engineFor(t, archive.Addr).Deliver(context.Background(), deliveries(files))
	require.Len(t, res.Outcomes, 6)
	states := make([]send.FileState, 0, 6)
	for _, o := range res.Outcomes {
		states = append(states, o.State)
	}
	assert.Equal(t, []send.FileState{
		send.StateSent, send.StateSent, send.StateFailed,
		send.StateSent, send.StateSent, send.StateFailed,
	}, states)
	assert.Len(t, archive.Service.Received(), 4)
}

// An archive that closes an idle association is noticed before the next
// store, so that file goes out on a fresh association instead of failing.
func TestEngineReconnectsAfterIdleClose(t *testing.T) {
	testlog.Start(t)
	cfg := scp.DefaultConfig()
	cfg.Session = archivetest.Fast()
	cfg.Session.ReadTimeout = 150 * time.Millisecond
	archive := archivetest.StartWithConfig(t, cfg)
	files := dcmtest.Batch(t, t.TempDir(), 3, dcmtest.Spec{})

	e := engineFor(t, archive.Addr)
	e.Progress = func(index, total int, c send.Counts, file string) {
		if index == 1 {
			time.Sleep(400 * time.Millisecond)
		}
	}
	res := e.Deliver(context.Background(), deliveries(files))

	require.NoError(t, res.Err)
	require.Len(t, res.Outcomes, 3)
	for _, o := range res.Outcomes {
		assert.Equal(t, send.StateSent, o.State, o.Detail)
	}
	assert.Len(t, archive.Service.Received(), 3)
}

// Once the archive is gone every remaining file makes one reconnect attempt
// and is failed; nothing is left unaccounted for.
func TestEngineFailsEachFileWhenArchiveGone(t *testing.T) {
	testlog.Start(t)
	archive := archivetest.Start(t, scp.Policy{DropAfter: 2})
	files := dcmtest.Batch(t, t.TempDir(), 5, dcmtest.Spec{})

	var attempts atomic.Int32
	e := engineFor(t, archive.Addr)
	e.Progress = func(index, total int, c send.Counts, file string) {
		if index != 2 {
			return
		}
		// Replace the archive with a listener that counts and hangs up.
		archive.Stop()
		ln, err := net.Listen("tcp", archive.Addr)
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				attempts.Add(1)
				_ = conn.Close()
			}
		}()
	}
	res := e.Deliver(context.Background(), deliveries(files))

	require.NoError(t, res.Err)
	require.Len(t, res.Outcomes, len(files))
	assert.Empty(t, res.NotAttempted)
	assert.Equal(t, send.StateSent, res.Outcomes[0].State)
	assert.Equal(t, send.StateFailed, res.Outcomes[1].State)
	for _, o := range res.Outcomes[2:] {
		assert.Equal(t, send.StateFailed, o.State)
		assert.Contains(t, o.Detail, "Could not re-establish association")
	}

	var c send.Counts
	for _, o := range res.Outcomes {
		switch o.State {
		case send.StateSent:
			c.Sent++
		case send.StateWarned:
			c.Warned++
		case send.StateFailed:
			c.Failed++
		}
	}
	assert.Equal(t, len(files), c.Sent+c.Warned+c.Failed)
	assert.EqualValues(t, 3, attempts.Load())
	assert.Len(t, archive.Service.Received(), 1)
}

func TestEngineAbandonsAfterTimeout(t *testing.T) {
	testlog.Start(t)
	archive := archivetest.Start(t, scp.Policy{ResponseDelay: 500 * time.Millisecond})
	files := dcmtest.Batch(t, t.TempDir(), 3, dcmtest.Spec{})

	e := engineFor(t, archive.Addr)
	e.DIMSETimeout = 100 * time.Millisecond
	res := e.Deliver(context.Background(), deliveries(files))

	require.Len(t, res.Outcomes, 3)
	for _, o := range res.Outcomes {
		assert.Equal(t, send.StateFailed, o.State)
	}
	assert.Contains(t, res.Outcomes[0].Detail, "timed out")
	assert.Contains(t, res.Outcomes[1].Detail, send.ErrAbandoned.Error())
	assert.Contains(t, res.Outcomes[2].Detail, send.ErrAbandoned.Error())
}

func TestEngineMissingFile(t *testing.T) {
	testlog.Start(t)
	archive := archivetest.Start(t, scp.Policy{})
	dir := t.TempDir()
	ok := dcmtest.Write(t, dir, dcmtest.Spec{Name: "ok.dcm"})

	res := engineFor(t, archive.Addr).Deliver(context.Background(), []send.Delivery{
		{Original: ok, Path: ok},
		{Original: dir + "/gone.dcm", Path: dir + "/gone.dcm"},
	})
	require.NoError(t, res.Err)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, send.StateSent, res.Outcomes[0].State)
	assert.Equal(t, send.StateFailed, res.Outcomes[1].State)
	assert.Contains(t, res.Outcomes[1].Detail, "gone.dcm: open")
}

func TestNegotiatorVerify(t *testing.T) {
	testlog.Start(t)
	archive := archivetest.Start(t, scp.UncompressedOnly())
	n := send.Negotiator{Peer: peerFor(t, archive.Addr), Session: archivetest.Fast()}
	rtt, err := n.Verify(context.Background())
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	closed := send.Negotiator{Peer: send.Peer{Host: "127.0.0.1", Port: 1}, Session: archivetest.Fast()}
	_, err = closed.Verify(context.Background())
	var ne *send.NegotiationError
	assert.ErrorAs(t, err, &ne)
}
