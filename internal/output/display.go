package output

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tanq16/hanzo/internal/engine"
	"github.com/tanq16/hanzo/internal/utils"
)

// Display renders the engine's outbound progress stream as a redrawing
// terminal block, one line per download plus a connection summary.
type Display struct {
	mutex    sync.RWMutex
	latest   map[string]engine.ProgressMessage
	order    []string
	numLines int
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

func NewDisplay() *Display {
	return &Display{
		latest: make(map[string]engine.ProgressMessage),
		doneCh: make(chan struct{}),
	}
}

// Consume forwards engine events into the display until the channel closes.
func (d *Display) Consume(events <-chan engine.ProgressMessage) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for msg := range events {
			d.Update(msg)
		}
	}()
}

func (d *Display) Update(msg engine.ProgressMessage) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if _, seen := d.latest[msg.Item.UID]; !seen {
		d.order = append(d.order, msg.Item.UID)
	}
	d.latest[msg.Item.UID] = msg
}

// Done reports whether a download reached a terminal status.
func (d *Display) Done(uid string) bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	msg, ok := d.latest[uid]
	if !ok {
		return false
	}
	return msg.Status == utils.StatusAssembleComplete || msg.Status == utils.StatusAssembleFailed
}

func (d *Display) StartDisplay() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.redraw()
			case <-d.doneCh:
				d.redraw()
				return
			}
		}
	}()
}

func (d *Display) StopDisplay() {
	close(d.doneCh)
	d.wg.Wait()
}

func (d *Display) redraw() {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if d.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", d.numLines)
	}
	lineCount := 0
	for _, uid := range d.order {
		msg := d.latest[uid]
		fmt.Println(renderLine(msg))
		lineCount++
		if detail := renderConnections(msg); detail != "" {
			fmt.Println(detail)
			lineCount++
		}
	}
	d.numLines = lineCount
}

func renderLine(msg engine.ProgressMessage) string {
	name := msg.Item.FileName
	if len(name) > 25 {
		name = "..." + name[len(name)-22:]
	}
	switch msg.Status {
	case utils.StatusAssembleComplete:
		return fmt.Sprintf("  %s %s %s", successStyle.Render(StyleSymbols["pass"]), name,
			debugStyle.Render(humanize.IBytes(uint64(msg.Item.ContentLength))))
	case utils.StatusAssembleFailed:
		return fmt.Sprintf("  %s %s %s", errorStyle.Render(StyleSymbols["fail"]), name,
			errorStyle.Render("assembly failed, temp files kept"))
	case utils.StatusPaused:
		return fmt.Sprintf("  %s %s %s", warningStyle.Render(StyleSymbols["warning"]), name,
			warningStyle.Render("paused"))
	}
	bar := progressBar(msg.TotalDownloadProgress, 30)
	line := fmt.Sprintf("  %s %s %s %.1f%% %s %s",
		pendingStyle.Render(StyleSymbols["pending"]), name, bar,
		msg.TotalDownloadProgress*100, debugStyle.Render(msg.TransferRate), StyleSymbols["bullet"])
	if msg.EstimatedRemaining != "" {
		line += " " + debugStyle.Render("ETA: "+msg.EstimatedRemaining)
	}
	return line
}

func renderConnections(msg engine.ProgressMessage) string {
	if len(msg.ConnectionProgresses) == 0 {
		return ""
	}
	conns := make([]engine.ProgressUpdate, len(msg.ConnectionProgresses))
	copy(conns, msg.ConnectionProgresses)
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].ConnectionNumber < conns[j].ConnectionNumber
	})
	parts := make([]string, 0, len(conns))
	for _, c := range conns {
		symbol := StyleSymbols["bullet"]
		if c.DetailsStatus == utils.StatusConnectionComplete {
			symbol = StyleSymbols["pass"]
		}
		parts = append(parts, fmt.Sprintf("%s#%d %.0f%%", symbol, c.ConnectionNumber, c.WriteProgress*100))
	}
	return "      " + streamStyle.Render(strings.Join(parts, "  "))
}

func progressBar(fraction float64, width int) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * float64(width))
	bar := StyleSymbols["bullet"] + strings.Repeat(StyleSymbols["hline"], filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	return debugStyle.Render(bar + StyleSymbols["bullet"])
}
