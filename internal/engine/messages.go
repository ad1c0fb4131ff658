package engine

import (
	"github.com/tanq16/hanzo/internal/segment"
	"github.com/tanq16/hanzo/internal/utils"
)

type Command string

const (
	CommandStart               Command = "start"
	CommandPause               Command = "pause"
	CommandCancel              Command = "cancel"
	CommandRefreshSegment      Command = "refreshSegment"
	CommandRefreshSegmentReuse Command = "refreshSegmentReuseConnection"
	CommandResetConnection     Command = "resetConnection"
	CommandStartInitial        Command = "startInitial"
	CommandStartReuse          Command = "startReuseConnection"
)

// DownloadCommand travels both ways: from the caller into the engine, and
// from the engine to individual workers.
type DownloadCommand struct {
	Command                Command
	Item                   utils.DownloadItem
	Settings               utils.DownloadSettings
	Segment                *segment.Segment
	ConnectionNumber       int
	PreviouslyWrittenBytes int64
}

type ButtonAvailability struct {
	Pause bool
	Start bool
}

// WorkerMessage is the sealed set of messages a worker can send to the
// coordinator; handlers switch exhaustively over the four variants.
type WorkerMessage interface {
	workerMessage()
}

// ProgressUpdate reports one worker's transfer state.
type ProgressUpdate struct {
	ConnectionNumber      int
	Status                utils.DownloadStatus
	DetailsStatus         utils.DownloadStatus
	DownloadProgress      float64 // this session's share of the file
	TotalDownloadProgress float64 // this connection's overall share of the file
	WriteProgress         float64 // share of the assigned segment on disk
	ReceivedBytes         int64
	TransferRate          int64 // bytes per second
	Buttons               ButtonAvailability
	CompletionSignal      bool
	Segment               *segment.Segment
}

func (ProgressUpdate) workerMessage() {}

type SegmentResultKind string

const (
	RefreshSegmentSuccess      SegmentResultKind = "refreshSegmentSuccess"
	OverlappingRefreshSegment  SegmentResultKind = "overlappingRefreshSegment"
	RefreshSegmentRefused      SegmentResultKind = "refreshSegmentRefused"
	ReuseRefreshSegmentRefused SegmentResultKind = "reuseRefreshSegmentRefused"
)

// SegmentResult answers a refreshSegment command. For an overlapping
// refresh the worker reports the boundary it actually reached plus the
// remaining valid range for the new connection.
type SegmentResult struct {
	Kind             SegmentResultKind
	ConnectionNumber int
	Requested        segment.Segment
	RefreshedStart   int64
	RefreshedEnd     int64
	ValidNewStart    int64
	ValidNewEnd      int64
	Reuse            bool
}

func (SegmentResult) workerMessage() {}

// Handshake acknowledges that a spawned or reused worker is live and owns
// its assigned range.
type Handshake struct {
	ConnectionNumber int
	Reuse            bool
}

func (Handshake) workerMessage() {}

type LogLine struct {
	ConnectionNumber int
	Line             string
}

func (LogLine) workerMessage() {}

// Envelope tags a worker message with the download it belongs to.
type Envelope struct {
	UID     string
	Message WorkerMessage
}

// ProgressMessage is the engine's aggregated outbound event.
type ProgressMessage struct {
	Item                  utils.DownloadItem
	Status                utils.DownloadStatus
	DownloadProgress      float64
	TotalDownloadProgress float64
	TransferRate          string
	EstimatedRemaining    string
	Buttons               ButtonAvailability
	ConnectionProgresses  []ProgressUpdate
	AssembleProgress      float64
}
