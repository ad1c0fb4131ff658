package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/hanzo/internal/engine"
	"github.com/tanq16/hanzo/internal/segment"
	"github.com/tanq16/hanzo/internal/tempfile"
	"github.com/tanq16/hanzo/internal/utils"
)

const progressTickInterval = 500 * time.Millisecond

// Spawner starts range-request workers. One Spawner per engine carries the
// shared HTTP client configuration.
type Spawner struct {
	ClientConfig utils.HTTPClientConfig
	BufferSize   int
}

func NewSpawner(cfg utils.HTTPClientConfig) *Spawner {
	return &Spawner{ClientConfig: cfg, BufferSize: utils.DefaultBufferSize}
}

// Spawn satisfies engine.SpawnFunc: the worker runs in its own goroutine
// and talks to the coordinator only through the handle's command channel
// and the out envelope channel.
func (s *Spawner) Spawn(uid string, handle *engine.WorkerHandle, item utils.DownloadItem, settings utils.DownloadSettings, out chan<- engine.Envelope) {
	cfg := s.ClientConfig
	cfg.HighThreadMode = settings.TotalConnections > 5
	w := &worker{
		uid:        uid,
		conn:       handle.ConnectionNumber,
		item:       item,
		store:      tempfile.NewStore(settings.TempDir, settings.SaveDir, settings.FallbackSaveDir),
		client:     utils.NewHanzoHTTPClient(cfg),
		bufferSize: s.BufferSize,
		cmds:       handle.Commands(),
		out:        out,
		log:        utils.GetLogger("worker").With().Str("uid", uid).Int("connection", handle.ConnectionNumber).Logger(),
	}
	go w.run()
}

type worker struct {
	uid        string
	conn       int
	item       utils.DownloadItem
	store      *tempfile.Store
	client     *utils.HanzoHTTPClient
	bufferSize int
	cmds       <-chan engine.DownloadCommand
	out        chan<- engine.Envelope
	log        zerolog.Logger

	seg          segment.Segment
	prevWritten  int64
	sessionBytes int64
	paused       bool
	cancel       context.CancelFunc
	transferDone chan struct{}
}

func (w *worker) run() {
	for cmd := range w.cmds {
		w.handle(cmd)
		if cmd.Command == engine.CommandCancel {
			return
		}
	}
}

// handle processes one command; a panic is contained so the command loop
// stays alive and resetConnection remains deliverable.
func (w *worker) handle(cmd engine.DownloadCommand) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("command", string(cmd.Command)).Msg("Worker recovered from panic")
			w.send(engine.LogLine{ConnectionNumber: w.conn, Line: fmt.Sprintf("connection %d recovered from panic: %v", w.conn, r)})
		}
	}()
	switch cmd.Command {
	case engine.CommandStartInitial:
		w.seg = *cmd.Segment
		w.prevWritten = cmd.PreviouslyWrittenBytes
		w.paused = false
		w.send(engine.Handshake{ConnectionNumber: w.conn, Reuse: false})
		w.startTransfer()
	case engine.CommandStartReuse:
		w.stopTransfer()
		w.seg = *cmd.Segment
		w.prevWritten = cmd.PreviouslyWrittenBytes
		w.paused = false
		w.send(engine.Handshake{ConnectionNumber: w.conn, Reuse: true})
		w.startTransfer()
	case engine.CommandRefreshSegment:
		w.handleRefresh(*cmd.Segment, false)
	case engine.CommandRefreshSegmentReuse:
		w.handleRefresh(*cmd.Segment, true)
	case engine.CommandResetConnection:
		w.log.Debug().Msg("Reset requested, restarting transfer")
		w.stopTransfer()
		if !w.paused {
			w.startTransfer()
		}
	case engine.CommandStart:
		w.stopTransfer()
		w.paused = false
		w.startTransfer()
	case engine.CommandPause:
		w.stopTransfer()
		w.paused = true
		w.persistPart()
		w.sendState(utils.StatusPaused, engine.ButtonAvailability{Pause: false, Start: true})
	case engine.CommandCancel:
		w.stopTransfer()
		w.persistPart()
		w.sendState(utils.StatusCanceled, engine.ButtonAvailability{})
	}
}

// handleRefresh renegotiates the live byte range. Three outcomes: the
// segment is already fully written (refused), the transfer passed the
// proposed boundary (overlapping, corrected boundaries reported), or the
// proposal is accepted as-is.
func (w *worker) handleRefresh(proposed segment.Segment, reuse bool) {
	w.stopTransfer()
	written := w.diskSize()
	cur := w.seg
	refusedKind := engine.RefreshSegmentRefused
	if reuse {
		refusedKind = engine.ReuseRefreshSegmentRefused
	}
	if written >= cur.Length() {
		w.send(engine.SegmentResult{
			Kind:             refusedKind,
			ConnectionNumber: w.conn,
			Requested:        proposed,
			Reuse:            reuse,
		})
		w.sendCompletion()
		return
	}
	lastByte := cur.Start + written - 1
	if lastByte > proposed.End {
		accepted := segment.Segment{Start: cur.Start, End: lastByte}
		w.renamePart(cur, accepted)
		w.seg = accepted
		w.send(engine.SegmentResult{
			Kind:             engine.OverlappingRefreshSegment,
			ConnectionNumber: w.conn,
			Requested:        proposed,
			RefreshedStart:   cur.Start,
			RefreshedEnd:     lastByte,
			ValidNewStart:    lastByte + 1,
			ValidNewEnd:      cur.End,
			Reuse:            reuse,
		})
		w.sendCompletion()
		return
	}
	w.renamePart(cur, proposed)
	w.seg = proposed
	w.send(engine.SegmentResult{
		Kind:             engine.RefreshSegmentSuccess,
		ConnectionNumber: w.conn,
		Requested:        proposed,
		Reuse:            reuse,
	})
	if !w.paused {
		w.startTransfer()
	}
}

func (w *worker) partPath() string {
	return w.store.PartPath(w.uid, w.seg)
}

func (w *worker) diskSize() int64 {
	info, err := os.Stat(w.partPath())
	if err != nil {
		return 0
	}
	return info.Size()
}

func (w *worker) renamePart(from, to segment.Segment) {
	if from == to {
		return
	}
	oldPath := w.store.PartPath(w.uid, from)
	if _, err := os.Stat(oldPath); err != nil {
		return
	}
	if err := os.Rename(oldPath, w.store.PartPath(w.uid, to)); err != nil {
		w.log.Error().Err(err).Msg("Error renaming part file")
	}
}

// persistPart renames the part file to the range it actually contains, so
// the on-disk state passes integrity validation after a restart and the
// written bytes survive as coverage.
func (w *worker) persistPart() {
	size := w.diskSize()
	if size == 0 || size >= w.seg.Length() {
		return
	}
	w.renamePart(w.seg, segment.Segment{Start: w.seg.Start, End: w.seg.Start + size - 1})
}

// adoptExistingPart picks up a previously persisted partial file for this
// segment and renames it back to the live range for appending.
func (w *worker) adoptExistingPart() {
	if w.diskSize() > 0 {
		return
	}
	parts, err := w.store.SortedParts(w.uid)
	if err != nil {
		return
	}
	for _, p := range parts {
		if p.Segment.Start == w.seg.Start && p.Segment != w.seg &&
			p.Segment.End <= w.seg.End && p.Size == p.Segment.Length() {
			w.renamePart(p.Segment, w.seg)
			return
		}
	}
}

// startTransfer launches the byte-receive loop for the current segment in
// its own goroutine; the command loop keeps draining while it runs.
func (w *worker) startTransfer() {
	w.adoptExistingPart()
	if w.diskSize() >= w.seg.Length() {
		w.sendCompletion()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.transferDone = done
	go w.transfer(ctx, w.seg, w.partPath(), done)
}

// stopTransfer cancels the in-flight transfer and waits for its goroutine
// to exit, so the command loop regains exclusive access to the part file.
func (w *worker) stopTransfer() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.transferDone
	w.cancel = nil
	w.transferDone = nil
}

func (w *worker) transfer(ctx context.Context, seg segment.Segment, path string, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("Transfer recovered from panic")
		}
	}()
	if err := w.doTransfer(ctx, seg, path); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.log.Debug().Err(err).Msg("Transfer ended with error")
		w.send(engine.LogLine{ConnectionNumber: w.conn, Line: fmt.Sprintf("connection %d: %v", w.conn, err)})
		w.sendState(utils.StatusError, engine.ButtonAvailability{Pause: true, Start: false})
	}
}

func (w *worker) doTransfer(ctx context.Context, seg segment.Segment, path string) error {
	if err := os.MkdirAll(w.store.DownloadDir(w.uid), 0755); err != nil {
		return fmt.Errorf("error creating temp directory: %v", err)
	}
	var resumeOffset int64
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if info, err := os.Stat(path); err == nil {
		resumeOffset = info.Size()
		flag = os.O_WRONLY | os.O_APPEND
	}
	partFile, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return fmt.Errorf("error opening part file: %v", err)
	}
	defer partFile.Close()

	w.sendProgress(seg, resumeOffset, 0, utils.StatusConnecting)
	req, err := http.NewRequestWithContext(ctx, "GET", w.item.DownloadURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.Start+resumeOffset, seg.End))
	req.Header.Set("Connection", "keep-alive")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	written := resumeOffset
	buffer := make([]byte, w.bufferSize)
	ticker := time.NewTicker(progressTickInterval)
	defer ticker.Stop()
	lastTickAt := time.Now()
	var lastTickBytes int64
	var rate int64
	for {
		bytesRead, err := resp.Body.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := partFile.Write(buffer[:bytesRead]); writeErr != nil {
				return fmt.Errorf("error writing part file: %v", writeErr)
			}
			written += int64(bytesRead)
			w.sessionBytes += int64(bytesRead)
		}
		select {
		case <-ticker.C:
			elapsed := time.Since(lastTickAt).Seconds()
			if elapsed > 0 {
				rate = int64(float64(written-resumeOffset-lastTickBytes) / elapsed)
			}
			lastTickAt = time.Now()
			lastTickBytes = written - resumeOffset
			w.sendProgress(seg, written, rate, utils.StatusDownloading)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	if written != seg.Length() {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", seg.Length(), written)
	}
	w.sendCompletion()
	return nil
}

func (w *worker) send(msg engine.WorkerMessage) {
	w.out <- engine.Envelope{UID: w.uid, Message: msg}
}

func (w *worker) sendProgress(seg segment.Segment, written, rate int64, status utils.DownloadStatus) {
	segCopy := seg
	w.send(engine.ProgressUpdate{
		ConnectionNumber:      w.conn,
		Status:                status,
		DetailsStatus:         status,
		DownloadProgress:      float64(w.sessionBytes) / float64(w.item.ContentLength),
		TotalDownloadProgress: float64(w.prevWritten+written) / float64(w.item.ContentLength),
		WriteProgress:         float64(written) / float64(seg.Length()),
		ReceivedBytes:         written,
		TransferRate:          rate,
		Buttons:               engine.ButtonAvailability{Pause: true, Start: false},
		Segment:               &segCopy,
	})
}

func (w *worker) sendCompletion() {
	segCopy := w.seg
	w.send(engine.ProgressUpdate{
		ConnectionNumber:      w.conn,
		Status:                utils.StatusConnectionComplete,
		DetailsStatus:         utils.StatusConnectionComplete,
		DownloadProgress:      float64(w.sessionBytes) / float64(w.item.ContentLength),
		TotalDownloadProgress: float64(w.prevWritten+w.seg.Length()) / float64(w.item.ContentLength),
		WriteProgress:         1,
		ReceivedBytes:         w.seg.Length(),
		TransferRate:          0,
		CompletionSignal:      true,
		Segment:               &segCopy,
	})
}

func (w *worker) sendState(status utils.DownloadStatus, buttons engine.ButtonAvailability) {
	segCopy := w.seg
	written := w.diskSize()
	w.send(engine.ProgressUpdate{
		ConnectionNumber:      w.conn,
		Status:                status,
		DetailsStatus:         status,
		DownloadProgress:      float64(w.sessionBytes) / float64(w.item.ContentLength),
		TotalDownloadProgress: float64(w.prevWritten+written) / float64(w.item.ContentLength),
		WriteProgress:         float64(written) / float64(segCopy.Length()),
		ReceivedBytes:         written,
		Buttons:               buttons,
		Segment:               &segCopy,
	})
}
