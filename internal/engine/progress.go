package engine

import (
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/tanq16/hanzo/internal/utils"
)

// etaRecalcIntervalMillis throttles ETA recomputation.
const etaRecalcIntervalMillis = 1000

// aggregate merges per-worker progress into a download-level view. All
// helpers take nowMillis so tests can drive a fake clock.
type aggregate struct {
	contentLength int64
	perConn       map[int]ProgressUpdate
	lastETACalcAt int64
	etaSeconds    int64 // -1 when unknown
	etaText       string
}

func newAggregate(contentLength int64) *aggregate {
	return &aggregate{
		contentLength: contentLength,
		perConn:       make(map[int]ProgressUpdate),
		etaSeconds:    -1,
	}
}

func (a *aggregate) update(msg ProgressUpdate, now int64) {
	a.perConn[msg.ConnectionNumber] = msg
	if now-a.lastETACalcAt >= etaRecalcIntervalMillis {
		a.recomputeETA(now)
	}
}

func (a *aggregate) totalRate() int64 {
	var rate int64
	for _, p := range a.perConn {
		rate += p.TransferRate
	}
	return rate
}

func (a *aggregate) totalProgress() float64 {
	var total float64
	for _, p := range a.perConn {
		total += p.TotalDownloadProgress
	}
	return total
}

func (a *aggregate) sessionProgress() float64 {
	var total float64
	for _, p := range a.perConn {
		total += p.DownloadProgress
	}
	return total
}

func (a *aggregate) recomputeETA(now int64) {
	a.lastETACalcAt = now
	total := a.totalProgress()
	if total >= 1 {
		a.etaSeconds = 0
		a.etaText = ""
		return
	}
	rate := a.totalRate()
	if rate <= 0 {
		a.etaSeconds = -1
		a.etaText = ""
		return
	}
	remaining := int64((1 - total) * float64(a.contentLength))
	a.etaSeconds = remaining / rate
	a.etaText = utils.FormatRemaining(a.etaSeconds)
}

// status applies the precedence chain: worker-0 status, then connecting if
// every worker is connecting, then connectionComplete at full progress,
// then downloading if any worker is downloading.
func (a *aggregate) status() utils.DownloadStatus {
	status := utils.StatusConnecting
	if p, ok := a.perConn[0]; ok {
		status = p.Status
	}
	allConnecting := len(a.perConn) > 0
	for _, p := range a.perConn {
		if p.Status != utils.StatusConnecting {
			allConnecting = false
			break
		}
	}
	if allConnecting {
		status = utils.StatusConnecting
	}
	if a.totalProgress() >= 1 {
		status = utils.StatusConnectionComplete
	}
	for _, p := range a.perConn {
		if p.Status == utils.StatusDownloading {
			status = utils.StatusDownloading
			break
		}
	}
	return status
}

// buttons folds the per-worker hints of unfinished workers with the
// per-engine debounce.
func (a *aggregate) buttons(createdAt, now int64) ButtonAvailability {
	waitComplete := now >= createdAt+buttonAvailabilityWaitMillis
	pause := waitComplete
	start := waitComplete
	for _, p := range a.perConn {
		if p.DetailsStatus == utils.StatusConnectionComplete || p.DetailsStatus == utils.StatusCanceled {
			continue
		}
		pause = pause && p.Buttons.Pause
		start = start && p.Buttons.Start
	}
	return ButtonAvailability{Pause: pause, Start: start}
}

func (a *aggregate) connectionProgresses() []ProgressUpdate {
	conns := make([]int, 0, len(a.perConn))
	for conn := range a.perConn {
		conns = append(conns, conn)
	}
	sort.Ints(conns)
	out := make([]ProgressUpdate, 0, len(conns))
	for _, conn := range conns {
		out = append(out, a.perConn[conn])
	}
	return out
}

func formatRate(rate int64) string {
	if rate <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(rate)) + "/s"
}
