package utils

import (
	"errors"
	"time"
)

type DownloadStatus string

const (
	StatusConnecting         DownloadStatus = "connecting"
	StatusDownloading        DownloadStatus = "downloading"
	StatusPaused             DownloadStatus = "paused"
	StatusCanceled           DownloadStatus = "canceled"
	StatusConnectionComplete DownloadStatus = "connectionComplete"
	StatusAssembleComplete   DownloadStatus = "assembleComplete"
	StatusAssembleFailed     DownloadStatus = "assembleFailed"
	StatusError              DownloadStatus = "error"
)

// DownloadItem identifies one download across the engine, workers, and the
// temp file store. UID is a stable UUID assigned when the item is created.
type DownloadItem struct {
	UID           string
	FileName      string
	FilePath      string
	DownloadURL   string
	ContentLength int64
	Status        DownloadStatus
	FinishDate    time.Time
}

type DownloadSettings struct {
	TotalConnections   int
	MaxRetryCount      int // -1 means infinite
	RetryTimeoutMillis int64
	TempDir            string
	SaveDir            string
	FallbackSaveDir    string
}

type DownloadEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	URL        string `yaml:"link"`
}

const DefaultBufferSize = 1024 * 1024 * 8 // 8MB buffer
const LogFile = ".hanzo.log"

var ErrRangeRequestsNotSupported = errors.New("range requests are not supported")
