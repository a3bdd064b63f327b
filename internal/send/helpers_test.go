package send_test

import (
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/danmuck/dicomctl/internal/send"
	"github.com/danmuck/dicomctl/internal/testutil/archivetest"
	"github.com/danmuck/dicomctl/internal/transcode"
	"github.com/stretchr/testify/require"
)

func peerFor(t *testing.T, addr string) send.Peer {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return send.Peer{CallingAE: "TESTSCU", CalledAE: "STORESCP", Host: host, Port: n}
}

func jobConfig(t *testing.T, addr string, files []string) send.Config {
	return send.Config{
		Peer:       peerFor(t, addr),
		Session:    archivetest.Fast(),
		Files:      files,
		Transcoder: &transcode.Transcoder{Registry: transcode.DefaultRegistry(), Workers: 2},
	}
}

func leftovers(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+transcode.ConvertedSuffix))
	require.NoError(t, err)
	return matches
}

type recorder struct {
	mu     sync.Mutex
	events []send.Event
}

func (r *recorder) sink(ev send.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kind(k send.EventKind) []send.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []send.Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
