package worker

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tanq16/hanzo/internal/engine"
	"github.com/tanq16/hanzo/internal/segment"
	"github.com/tanq16/hanzo/internal/tempfile"
	"github.com/tanq16/hanzo/internal/utils"
)

func newContentServer(content []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "content.bin", time.Time{}, bytes.NewReader(content))
	}))
}

func newTestWorker(t *testing.T, uid string, item utils.DownloadItem, out chan engine.Envelope) *worker {
	t.Helper()
	base := t.TempDir()
	return &worker{
		uid:        uid,
		conn:       0,
		item:       item,
		store:      tempfile.NewStore(base+"/temp", base+"/save", base+"/fallback"),
		client:     utils.NewHanzoHTTPClient(utils.HTTPClientConfig{}),
		bufferSize: 64 * 1024,
		out:        out,
		log:        utils.GetLogger("worker-test"),
	}
}

func collectUntil(t *testing.T, out chan engine.Envelope, match func(engine.WorkerMessage) bool) []engine.WorkerMessage {
	t.Helper()
	var msgs []engine.WorkerMessage
	deadline := time.After(10 * time.Second)
	for {
		select {
		case env := <-out:
			msgs = append(msgs, env.Message)
			if match(env.Message) {
				return msgs
			}
		case <-deadline:
			t.Fatalf("timed out after %d messages", len(msgs))
		}
	}
}

func TestWorkerDownloadsSegment(t *testing.T) {
	content := bytes.Repeat([]byte("hanzo segment data "), 4096)
	srv := newContentServer(content)
	defer srv.Close()

	item := utils.DownloadItem{
		UID:           "worker-uid",
		FileName:      "content.bin",
		DownloadURL:   srv.URL,
		ContentLength: int64(len(content)),
	}
	out := make(chan engine.Envelope, 256)
	w := newTestWorker(t, item.UID, item, out)
	seg := segment.Segment{Start: 1000, End: int64(len(content) - 1)}

	handle := engine.NewWorkerHandle(0, seg, 0)
	w.cmds = handle.Commands()
	go w.run()
	handle.Send(engine.DownloadCommand{Command: engine.CommandStartInitial, Item: item, Segment: &seg})

	msgs := collectUntil(t, out, func(m engine.WorkerMessage) bool {
		p, ok := m.(engine.ProgressUpdate)
		return ok && p.CompletionSignal
	})
	var sawHandshake bool
	for _, m := range msgs {
		if h, ok := m.(engine.Handshake); ok && !h.Reuse {
			sawHandshake = true
		}
	}
	if !sawHandshake {
		t.Error("worker should hand-shake before transferring")
	}

	data, err := os.ReadFile(w.store.PartPath(item.UID, seg))
	if err != nil {
		t.Fatalf("part file missing: %v", err)
	}
	if !bytes.Equal(data, content[seg.Start:]) {
		t.Error("part file content doesn't match the requested range")
	}
	handle.Send(engine.DownloadCommand{Command: engine.CommandCancel, Item: item})
}

func writeWorkerPart(t *testing.T, w *worker, seg segment.Segment, written int64) {
	t.Helper()
	if err := os.MkdirAll(w.store.DownloadDir(w.uid), 0755); err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte{0x77}, int(written))
	if err := os.WriteFile(w.store.PartPath(w.uid, seg), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRefreshAccepted(t *testing.T) {
	item := utils.DownloadItem{UID: "refresh-uid", ContentLength: 4_000_000}
	out := make(chan engine.Envelope, 16)
	w := newTestWorker(t, item.UID, item, out)
	w.seg = segment.Segment{Start: 0, End: 3_999_999}
	w.paused = true // keep the accepted refresh from opening a connection
	writeWorkerPart(t, w, w.seg, 1_000_000)

	proposed := segment.Segment{Start: 0, End: 1_999_999}
	w.handleRefresh(proposed, false)

	env := <-out
	res, ok := env.Message.(engine.SegmentResult)
	if !ok || res.Kind != engine.RefreshSegmentSuccess {
		t.Fatalf("got %#v, want refresh success", env.Message)
	}
	if res.Requested != proposed {
		t.Errorf("requested = %s, want %s", res.Requested, proposed)
	}
	if w.seg != proposed {
		t.Errorf("worker segment = %s, want %s", w.seg, proposed)
	}
	if _, err := os.Stat(w.store.PartPath(item.UID, proposed)); err != nil {
		t.Error("part file should be renamed to the accepted range")
	}
}

func TestRefreshOverlapping(t *testing.T) {
	item := utils.DownloadItem{UID: "overlap-uid", ContentLength: 4_000_000}
	out := make(chan engine.Envelope, 16)
	w := newTestWorker(t, item.UID, item, out)
	w.seg = segment.Segment{Start: 0, End: 3_999_999}
	// Already written past the proposed boundary by 1024 bytes.
	writeWorkerPart(t, w, w.seg, 2_001_024)

	proposed := segment.Segment{Start: 0, End: 1_999_999}
	w.handleRefresh(proposed, false)

	env := <-out
	res, ok := env.Message.(engine.SegmentResult)
	if !ok || res.Kind != engine.OverlappingRefreshSegment {
		t.Fatalf("got %#v, want overlapping", env.Message)
	}
	if res.RefreshedEnd != 2_001_023 {
		t.Errorf("refreshedEnd = %d, want 2001023", res.RefreshedEnd)
	}
	if res.ValidNewStart != 2_001_024 || res.ValidNewEnd != 3_999_999 {
		t.Errorf("valid new range = [%d-%d]", res.ValidNewStart, res.ValidNewEnd)
	}
	// The corrected segment is fully written, so completion follows.
	env = <-out
	p, ok := env.Message.(engine.ProgressUpdate)
	if !ok || !p.CompletionSignal {
		t.Fatalf("got %#v, want completion signal", env.Message)
	}
}

func TestRefreshRefusedWhenComplete(t *testing.T) {
	item := utils.DownloadItem{UID: "refused-uid", ContentLength: 4_000_000}
	out := make(chan engine.Envelope, 16)
	w := newTestWorker(t, item.UID, item, out)
	w.seg = segment.Segment{Start: 0, End: 1_999_999}
	writeWorkerPart(t, w, w.seg, 2_000_000)

	proposed := segment.Segment{Start: 0, End: 999_999}
	w.handleRefresh(proposed, true)

	env := <-out
	res, ok := env.Message.(engine.SegmentResult)
	if !ok || res.Kind != engine.ReuseRefreshSegmentRefused {
		t.Fatalf("got %#v, want reuse refusal", env.Message)
	}
	if !res.Reuse {
		t.Error("reuse flag should round-trip")
	}
}

func TestPartNameRoundTrip(t *testing.T) {
	seg := segment.Segment{Start: 12345, End: 99999}
	name := tempfile.PartName(seg)
	if !strings.HasSuffix(name, ".part") {
		t.Fatalf("part name %q", name)
	}
	parsed, err := tempfile.ParsePartName(name)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != seg {
		t.Errorf("round trip %s -> %s", seg, parsed)
	}
}
