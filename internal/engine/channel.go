package engine

import (
	"github.com/tanq16/hanzo/internal/segment"
	"github.com/tanq16/hanzo/internal/utils"
)

// WorkerHandle is the coordinator's local mirror of a worker plus the SPSC
// command channel into it. The coordinator never blocks on a send; a command
// sent while the worker's channel is full is dropped.
type WorkerHandle struct {
	ConnectionNumber int
	Segment          segment.Segment
	Status           utils.DownloadStatus
	DetailsStatus    utils.DownloadStatus
	ResetCount       int
	LastResponseAt   int64
	AwaitingReset    bool
	Buttons          ButtonAvailability
	cmds             chan DownloadCommand
}

func NewWorkerHandle(conn int, seg segment.Segment, now int64) *WorkerHandle {
	return &WorkerHandle{
		ConnectionNumber: conn,
		Segment:          seg,
		Status:           utils.StatusConnecting,
		DetailsStatus:    utils.StatusConnecting,
		LastResponseAt:   now,
		cmds:             make(chan DownloadCommand, 32),
	}
}

// Send enqueues a command without blocking; returns false when the worker's
// channel is full.
func (h *WorkerHandle) Send(cmd DownloadCommand) bool {
	select {
	case h.cmds <- cmd:
		return true
	default:
		return false
	}
}

// Commands is the worker-side receive end of the channel.
func (h *WorkerHandle) Commands() <-chan DownloadCommand {
	return h.cmds
}

func (h *WorkerHandle) finished() bool {
	return h.DetailsStatus == utils.StatusConnectionComplete || h.DetailsStatus == utils.StatusCanceled
}

// EngineChannel holds one download's coordinator-side state. It exclusively
// owns the segment tree and worker handles; the coordinator goroutine is
// the only mutator.
type EngineChannel struct {
	Item                  utils.DownloadItem
	Settings              utils.DownloadSettings
	Tree                  *segment.Tree
	Workers               map[int]*WorkerHandle
	PendingHandshakes     map[int]struct{}
	CreatedConnections    int
	Paused                bool
	PauseOnFinalHandshake bool
	AssembleRequested     bool
	Logs                  []string
	CreatedAt             int64

	reuseQueue   []*WorkerHandle
	reuseQueued  map[int]bool
	pendingReuse map[segment.Segment]*WorkerHandle
	progress     *aggregate
}

func newEngineChannel(item utils.DownloadItem, settings utils.DownloadSettings, now int64) *EngineChannel {
	return &EngineChannel{
		Item:              item,
		Settings:          settings,
		Workers:           make(map[int]*WorkerHandle),
		PendingHandshakes: make(map[int]struct{}),
		CreatedAt:         now,
		reuseQueued:       make(map[int]bool),
		pendingReuse:      make(map[segment.Segment]*WorkerHandle),
		progress:          newAggregate(item.ContentLength),
	}
}

// enqueueReuse adds a finished worker to the reuse queue, at most once.
func (ch *EngineChannel) enqueueReuse(h *WorkerHandle) {
	if ch.reuseQueued[h.ConnectionNumber] {
		return
	}
	ch.reuseQueued[h.ConnectionNumber] = true
	ch.reuseQueue = append(ch.reuseQueue, h)
}

func (ch *EngineChannel) dequeueReuse() *WorkerHandle {
	if len(ch.reuseQueue) == 0 {
		return nil
	}
	h := ch.reuseQueue[0]
	ch.reuseQueue = ch.reuseQueue[1:]
	delete(ch.reuseQueued, h.ConnectionNumber)
	return h
}

func (ch *EngineChannel) anyAwaitingReset() bool {
	for _, h := range ch.Workers {
		if h.AwaitingReset {
			return true
		}
	}
	return false
}
