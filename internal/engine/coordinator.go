package engine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/hanzo/internal/segment"
	"github.com/tanq16/hanzo/internal/tempfile"
	"github.com/tanq16/hanzo/internal/utils"
)

const (
	spawnTickerInterval  = 2 * time.Second
	reuseTickerInterval  = 2 * time.Second
	resetTickerInterval  = 4 * time.Second
	buttonTickerInterval = 1 * time.Second

	buttonAvailabilityWaitMillis = 2000
	nearCompletionETASeconds     = 5
)

// SpawnFunc starts a worker in its own goroutine. The worker reads
// commands from the handle and reports back on the out channel; it must
// never share memory with the coordinator beyond these channels.
type SpawnFunc func(uid string, handle *WorkerHandle, item utils.DownloadItem, settings utils.DownloadSettings, out chan<- Envelope)

// Engine coordinates every active download. A single goroutine owns the
// registry, the segment trees, and all worker handles; commands, worker
// messages, and four periodic timers are the only inputs.
type Engine struct {
	store       *tempfile.Store
	spawnWorker SpawnFunc

	commands   chan DownloadCommand
	events     chan ProgressMessage
	workerMsgs chan Envelope

	channels    map[string]*EngineChannel
	spawnIgnore map[string]struct{}

	now  func() int64
	log  zerolog.Logger
	done chan struct{}
}

func New(store *tempfile.Store, spawn SpawnFunc) *Engine {
	return &Engine{
		store:       store,
		spawnWorker: spawn,
		commands:    make(chan DownloadCommand, 32),
		events:      make(chan ProgressMessage, 128),
		workerMsgs:  make(chan Envelope, 256),
		channels:    make(map[string]*EngineChannel),
		spawnIgnore: make(map[string]struct{}),
		now:         func() int64 { return time.Now().UnixMilli() },
		log:         utils.GetLogger("engine"),
		done:        make(chan struct{}),
	}
}

// Commands is the inbound command channel for external callers.
func (e *Engine) Commands() chan<- DownloadCommand {
	return e.commands
}

// Events is the outbound aggregated progress stream.
func (e *Engine) Events() <-chan ProgressMessage {
	return e.events
}

// WorkerMessages is where spawned workers report back.
func (e *Engine) WorkerMessages() chan<- Envelope {
	return e.workerMsgs
}

func (e *Engine) Start() {
	go e.run()
}

func (e *Engine) Stop() {
	close(e.done)
}

func (e *Engine) run() {
	spawnTicker := time.NewTicker(spawnTickerInterval)
	reuseTicker := time.NewTicker(reuseTickerInterval)
	resetTicker := time.NewTicker(resetTickerInterval)
	buttonTicker := time.NewTicker(buttonTickerInterval)
	defer spawnTicker.Stop()
	defer reuseTicker.Stop()
	defer resetTicker.Stop()
	defer buttonTicker.Stop()
	for {
		select {
		case cmd := <-e.commands:
			e.handleCommand(cmd)
		case env := <-e.workerMsgs:
			e.handleWorkerMessage(env)
		case <-spawnTicker.C:
			e.spawnPass()
		case <-reuseTicker.C:
			e.reusePass()
		case <-resetTicker.C:
			e.resetPass()
		case <-buttonTicker.C:
			e.buttonPass()
		case <-e.done:
			return
		}
	}
}

func (e *Engine) handleCommand(cmd DownloadCommand) {
	switch cmd.Command {
	case CommandStart:
		e.handleStart(cmd)
	case CommandPause:
		e.handlePause(cmd)
	case CommandCancel:
		e.handleCancel(cmd)
	default:
		// Worker-directed commands pass through to the named connection.
		ch, ok := e.channels[cmd.Item.UID]
		if !ok {
			return
		}
		if h, ok := ch.Workers[cmd.ConnectionNumber]; ok {
			h.Send(cmd)
		}
	}
}

func (e *Engine) handleStart(cmd DownloadCommand) {
	uid := cmd.Item.UID
	if ch, ok := e.channels[uid]; ok {
		// Re-entry: the download is live, broadcast to its workers.
		ch.Paused = false
		delete(e.spawnIgnore, uid)
		for conn, h := range ch.Workers {
			c := cmd
			c.ConnectionNumber = conn
			h.Send(c)
		}
		return
	}
	if cmd.Item.Status == utils.StatusAssembleComplete {
		return
	}
	item := cmd.Item
	settings := withDefaults(cmd.Settings)
	log := e.log.With().Str("uid", uid).Str("file", item.FileName).Logger()

	destPath := filepath.Join(settings.SaveDir, item.FileName)
	if info, err := os.Stat(destPath); err == nil {
		if info.Size() == item.ContentLength {
			item.Status = utils.StatusAssembleComplete
			e.emitTerminal(item, 1)
			return
		}
		// Wrong length on disk: discard and reassemble from temp files.
		log.Warn().Int64("size", info.Size()).Msg("Destination file has wrong length, deleting")
		os.Remove(destPath)
	}

	if _, err := e.store.ValidateIntegrity(item, true, false); err != nil {
		log.Error().Err(err).Msg("Temp file validation failed")
	}
	missing, err := e.store.MissingRanges(item)
	if err != nil {
		log.Error().Err(err).Msg("Error computing missing byte ranges")
		return
	}

	ch := newEngineChannel(item, settings, e.now())
	e.channels[uid] = ch
	if len(missing) == 0 {
		e.assemble(ch)
		return
	}

	tree, err := segment.BuildFromMissing(item.ContentLength, settings.TotalConnections, missing)
	if err != nil {
		log.Error().Err(err).Msg("Error building segment tree")
		delete(e.channels, uid)
		return
	}
	tree.SetClock(e.now)
	ch.Tree = tree
	leaves := tree.Leaves()
	recovery := len(missing) > 1 ||
		missing[0] != (segment.Segment{Start: 0, End: item.ContentLength - 1})
	ch.CreatedConnections = len(leaves)
	if recovery {
		// Recovered trees are never grown dynamically.
		ch.CreatedConnections = settings.TotalConnections
	}
	log.Debug().Int("leaves", len(leaves)).Bool("recovery", recovery).Msg("Built segment tree")
	for _, leaf := range leaves {
		e.spawnLeafWorker(ch, leaf)
	}
}

func (e *Engine) handlePause(cmd DownloadCommand) {
	ch, ok := e.channels[cmd.Item.UID]
	if !ok {
		return
	}
	ch.Paused = true
	e.spawnIgnore[cmd.Item.UID] = struct{}{}
	for conn, h := range ch.Workers {
		h.Send(DownloadCommand{Command: CommandPause, Item: ch.Item, ConnectionNumber: conn})
	}
	if len(ch.PendingHandshakes) > 0 {
		// Some workers aren't fully born yet; re-assert the pause once the
		// final handshake lands.
		ch.PauseOnFinalHandshake = true
	}
}

func (e *Engine) handleCancel(cmd DownloadCommand) {
	uid := cmd.Item.UID
	ch, ok := e.channels[uid]
	if !ok {
		return
	}
	for conn, h := range ch.Workers {
		h.Send(DownloadCommand{Command: CommandCancel, Item: ch.Item, ConnectionNumber: conn})
	}
	delete(e.channels, uid)
	delete(e.spawnIgnore, uid)
}

// spawnLeafWorker creates the handle, registers the pending handshake, and
// starts a worker for an initial leaf.
func (e *Engine) spawnLeafWorker(ch *EngineChannel, leaf segment.NodeID) {
	conn := ch.Tree.ConnectionNumber(leaf)
	seg := ch.Tree.Segment(leaf)
	h := NewWorkerHandle(conn, seg, e.now())
	ch.Workers[conn] = h
	ch.PendingHandshakes[conn] = struct{}{}
	ch.Tree.SetStatus(leaf, segment.StatusInUse)
	e.spawnWorker(ch.Item.UID, h, ch.Item, ch.Settings, e.workerMsgs)
	h.Send(DownloadCommand{
		Command:                CommandStartInitial,
		Item:                   ch.Item,
		Settings:               ch.Settings,
		Segment:                &seg,
		ConnectionNumber:       conn,
		PreviouslyWrittenBytes: e.previouslyWritten(ch, conn),
	})
}

// previouslyWritten sums the lengths of already-complete leaves sharing the
// connection number.
func (e *Engine) previouslyWritten(ch *EngineChannel, conn int) int64 {
	var sum int64
	for _, id := range ch.Tree.LeavesWithStatus(segment.StatusComplete) {
		if ch.Tree.ConnectionNumber(id) == conn {
			sum += ch.Tree.Segment(id).Length()
		}
	}
	return sum
}

// shouldCreateNewConnections gates the dynamic spawn timer.
func (e *Engine) shouldCreateNewConnections(uid string, ch *EngineChannel) bool {
	if ch.Tree == nil {
		return false
	}
	if ch.Tree.HasRefreshInFlight() {
		return false
	}
	if len(ch.progress.perConn) >= ch.Settings.TotalConnections {
		return false
	}
	if ch.CreatedConnections >= ch.Settings.TotalConnections {
		return false
	}
	if _, ignored := e.spawnIgnore[uid]; ignored {
		return false
	}
	if eta := ch.progress.etaSeconds; eta >= 0 && eta < nearCompletionETASeconds {
		return false
	}
	return true
}

func (e *Engine) spawnPass() {
	for uid, ch := range e.channels {
		if !e.shouldCreateNewConnections(uid, ch) {
			continue
		}
		parent, err := ch.Tree.Split()
		if err != nil {
			e.log.Debug().Str("uid", uid).Err(err).Msg("Dynamic spawn split refused")
			continue
		}
		left := ch.Tree.Left(parent)
		donor := ch.Workers[ch.Tree.ConnectionNumber(left)]
		if donor == nil {
			e.log.Error().Str("uid", uid).Msg("No worker serving split segment, undoing split")
			ch.Tree.Collapse(parent)
			continue
		}
		ch.Tree.SetStatus(parent, segment.StatusRefreshRequested)
		ch.Tree.SetStatus(left, segment.StatusRefreshRequested)
		leftSeg := ch.Tree.Segment(left)
		donor.Send(DownloadCommand{
			Command:          CommandRefreshSegment,
			Item:             ch.Item,
			Segment:          &leftSeg,
			ConnectionNumber: donor.ConnectionNumber,
		})
	}
}

func (e *Engine) reusePass() {
	for uid, ch := range e.channels {
		if ch.Paused || len(ch.reuseQueue) == 0 {
			continue
		}
		if e.shouldCreateNewConnections(uid, ch) {
			continue
		}
		if ch.anyAwaitingReset() {
			continue
		}
		if ch.progress.totalProgress() >= 1 {
			continue
		}
		reuser := ch.dequeueReuse()
		target := e.pickReuseTarget(ch, reuser)
		if target == segment.None {
			ch.enqueueReuse(reuser)
			continue
		}
		targetSeg := ch.Tree.Segment(target)
		donor := e.workerServing(ch, targetSeg)
		if donor == nil {
			e.log.Error().Str("uid", uid).Str("segment", targetSeg.String()).Msg("No worker serving reuse target")
			ch.enqueueReuse(reuser)
			continue
		}
		if !ch.Tree.SplitNode(target, false) {
			e.log.Debug().Str("uid", uid).Str("segment", targetSeg.String()).Msg("Reuse split refused")
			ch.enqueueReuse(reuser)
			continue
		}
		left := ch.Tree.Left(target)
		right := ch.Tree.Right(target)
		ch.Tree.SetConnectionNumber(right, reuser.ConnectionNumber)
		ch.Tree.SetStatus(target, segment.StatusRefreshRequested)
		ch.Tree.SetStatus(left, segment.StatusRefreshRequested)
		ch.Tree.SetStatus(right, segment.StatusInitial)
		leftSeg := ch.Tree.Segment(left)
		ch.pendingReuse[leftSeg] = reuser
		donor.Send(DownloadCommand{
			Command:          CommandRefreshSegmentReuse,
			Item:             ch.Item,
			Segment:          &leftSeg,
			ConnectionNumber: donor.ConnectionNumber,
		})
	}
}

// pickReuseTarget chooses the oldest in-queue leaf with a live worker, then
// the oldest in-use leaf, excluding the reuser's own segment.
func (e *Engine) pickReuseTarget(ch *EngineChannel, reuser *WorkerHandle) segment.NodeID {
	pick := func(candidates []segment.NodeID) segment.NodeID {
		best := segment.None
		var bestAt int64
		for _, id := range candidates {
			seg := ch.Tree.Segment(id)
			if seg == reuser.Segment {
				continue
			}
			if e.workerServing(ch, seg) == nil {
				continue
			}
			if best == segment.None || ch.Tree.LastUpdate(id) < bestAt {
				best = id
				bestAt = ch.Tree.LastUpdate(id)
			}
		}
		return best
	}
	if target := pick(ch.Tree.InQueueLeaves()); target != segment.None {
		return target
	}
	return pick(ch.Tree.InUseLeaves())
}

func (e *Engine) workerServing(ch *EngineChannel, seg segment.Segment) *WorkerHandle {
	for _, h := range ch.Workers {
		if h.Segment == seg && !h.finished() {
			return h
		}
	}
	return nil
}

func (e *Engine) resetPass() {
	now := e.now()
	for _, ch := range e.channels {
		if ch.Paused {
			continue
		}
		for conn, h := range ch.Workers {
			switch h.DetailsStatus {
			case utils.StatusPaused, utils.StatusCanceled, utils.StatusConnectionComplete:
				continue
			}
			if ch.Settings.MaxRetryCount != -1 && h.ResetCount >= ch.Settings.MaxRetryCount {
				continue
			}
			if h.LastResponseAt+ch.Settings.RetryTimeoutMillis >= now {
				continue
			}
			e.log.Debug().Str("uid", ch.Item.UID).Int("connection", conn).Int("resets", h.ResetCount+1).Msg("Resetting stalled connection")
			h.Send(DownloadCommand{Command: CommandResetConnection, Item: ch.Item, ConnectionNumber: conn})
			h.AwaitingReset = true
			h.ResetCount++
		}
	}
}

// buttonPass keeps paused downloads' button state flowing even with no
// worker traffic.
func (e *Engine) buttonPass() {
	now := e.now()
	for _, ch := range e.channels {
		if !ch.Paused {
			continue
		}
		msg := e.buildProgressMessage(ch)
		msg.Buttons = ButtonAvailability{
			Pause: false,
			Start: now >= ch.CreatedAt+buttonAvailabilityWaitMillis,
		}
		e.emit(msg)
	}
}

func (e *Engine) handleWorkerMessage(env Envelope) {
	ch, ok := e.channels[env.UID]
	if !ok {
		// Late message from a completed or canceled download.
		return
	}
	switch msg := env.Message.(type) {
	case Handshake:
		e.handleHandshake(ch, msg)
	case SegmentResult:
		e.handleSegmentResult(ch, msg)
	case ProgressUpdate:
		e.handleProgress(ch, msg)
	case LogLine:
		ch.Logs = append(ch.Logs, msg.Line)
		e.log.Debug().Str("uid", env.UID).Int("connection", msg.ConnectionNumber).Msg(msg.Line)
	}
}

func (e *Engine) handleHandshake(ch *EngineChannel, msg Handshake) {
	delete(ch.PendingHandshakes, msg.ConnectionNumber)
	if h, ok := ch.Workers[msg.ConnectionNumber]; ok {
		h.LastResponseAt = e.now()
	}
	if msg.Reuse {
		for _, id := range ch.Tree.LeavesWithStatus(segment.StatusReuseRequested) {
			if ch.Tree.ConnectionNumber(id) == msg.ConnectionNumber {
				ch.Tree.SetStatus(id, segment.StatusInUse)
				break
			}
		}
	}
	if len(ch.PendingHandshakes) == 0 && ch.PauseOnFinalHandshake {
		ch.PauseOnFinalHandshake = false
		for conn, h := range ch.Workers {
			h.Send(DownloadCommand{Command: CommandPause, Item: ch.Item, ConnectionNumber: conn})
		}
	}
}

func (e *Engine) handleSegmentResult(ch *EngineChannel, msg SegmentResult) {
	node := ch.Tree.Search(msg.Requested)
	if node == segment.None {
		e.log.Error().Str("uid", ch.Item.UID).Str("segment", msg.Requested.String()).Msg("Segment response doesn't match any leaf")
		return
	}
	parent := ch.Tree.Parent(node)
	if parent == segment.None {
		e.log.Error().Str("uid", ch.Item.UID).Str("segment", msg.Requested.String()).Msg("Refreshed leaf has no parent")
		return
	}
	switch msg.Kind {
	case RefreshSegmentSuccess:
		e.completeRefresh(ch, node, msg.Requested)
	case OverlappingRefreshSegment:
		// The worker passed the proposed boundary; accept its corrected
		// ranges and continue as a success.
		ch.Tree.SetSegment(node, segment.Segment{Start: msg.RefreshedStart, End: msg.RefreshedEnd})
		right := ch.Tree.Right(parent)
		ch.Tree.SetSegment(right, segment.Segment{Start: msg.ValidNewStart, End: msg.ValidNewEnd})
		e.completeRefresh(ch, node, msg.Requested)
	case RefreshSegmentRefused, ReuseRefreshSegmentRefused:
		ch.Tree.Collapse(parent)
		ch.Tree.SetStatus(parent, segment.StatusInUse)
		if reuser, ok := ch.pendingReuse[msg.Requested]; ok {
			delete(ch.pendingReuse, msg.Requested)
			ch.enqueueReuse(reuser)
		}
	}
}

// completeRefresh finishes a successful split: the parent is outdated, the
// donor keeps the left child, and the right child goes to either the
// pending reuser or a freshly spawned worker.
func (e *Engine) completeRefresh(ch *EngineChannel, left segment.NodeID, requested segment.Segment) {
	parent := ch.Tree.Parent(left)
	ch.Tree.SetStatus(parent, segment.StatusOutdated)
	ch.Tree.SetStatus(left, segment.StatusInUse)
	leftSeg := ch.Tree.Segment(left)
	if donor := ch.Workers[ch.Tree.ConnectionNumber(left)]; donor != nil {
		donor.Segment = leftSeg
	}
	right := ch.Tree.Right(parent)
	rightSeg := ch.Tree.Segment(right)
	if reuser, ok := ch.pendingReuse[requested]; ok {
		delete(ch.pendingReuse, requested)
		ch.Tree.SetStatus(right, segment.StatusReuseRequested)
		reuser.Segment = rightSeg
		ch.PendingHandshakes[reuser.ConnectionNumber] = struct{}{}
		reuser.Send(DownloadCommand{
			Command:                CommandStartReuse,
			Item:                   ch.Item,
			Settings:               ch.Settings,
			Segment:                &rightSeg,
			ConnectionNumber:       reuser.ConnectionNumber,
			PreviouslyWrittenBytes: e.previouslyWritten(ch, reuser.ConnectionNumber),
		})
		return
	}
	e.spawnLeafWorker(ch, right)
	ch.CreatedConnections++
}

func (e *Engine) handleProgress(ch *EngineChannel, msg ProgressUpdate) {
	h, ok := ch.Workers[msg.ConnectionNumber]
	if !ok {
		return
	}
	now := e.now()
	h.LastResponseAt = now
	h.Status = msg.Status
	h.DetailsStatus = msg.DetailsStatus
	h.Buttons = msg.Buttons
	if msg.Segment != nil {
		h.Segment = *msg.Segment
	}
	if msg.Status == utils.StatusDownloading {
		h.AwaitingReset = false
	}
	ch.progress.update(msg, now)

	if msg.CompletionSignal {
		leaf := segment.None
		if msg.Segment != nil {
			leaf = ch.Tree.Search(*msg.Segment)
		}
		if leaf == segment.None {
			for _, id := range ch.Tree.InUseLeaves() {
				if ch.Tree.ConnectionNumber(id) == msg.ConnectionNumber {
					leaf = id
					break
				}
			}
		}
		if leaf != segment.None {
			ch.Tree.SetStatus(leaf, segment.StatusComplete)
		}
		ch.enqueueReuse(h)
	}

	if e.tempWritesComplete(ch) && !ch.AssembleRequested &&
		ch.Item.Status != utils.StatusAssembleComplete && ch.Item.Status != utils.StatusAssembleFailed {
		e.assemble(ch)
		return
	}
	e.emit(e.buildProgressMessage(ch))
}

// tempWritesComplete holds when every worker reports its segment fully on
// disk and the store confirms no byte range is missing.
func (e *Engine) tempWritesComplete(ch *EngineChannel) bool {
	if len(ch.Workers) == 0 {
		return false
	}
	for _, h := range ch.Workers {
		p, ok := ch.progress.perConn[h.ConnectionNumber]
		if !ok || p.WriteProgress < 1 || p.DetailsStatus != utils.StatusConnectionComplete {
			return false
		}
	}
	missing, err := e.store.MissingRanges(ch.Item)
	return err == nil && len(missing) == 0
}

func (e *Engine) assemble(ch *EngineChannel) {
	ch.AssembleRequested = true
	path, err := e.store.Assemble(ch.Item)
	if err != nil {
		e.log.Error().Err(err).Str("uid", ch.Item.UID).Msg("Assembly failed")
		ch.Item.Status = utils.StatusAssembleFailed
		msg := e.buildProgressMessage(ch)
		msg.Status = utils.StatusAssembleFailed
		e.emit(msg)
		return
	}
	ch.Item.Status = utils.StatusAssembleComplete
	ch.Item.FilePath = path
	ch.Item.FinishDate = time.UnixMilli(e.now())
	e.log.Info().Str("uid", ch.Item.UID).Str("file", path).Msg("Download assembled")
	msg := e.buildProgressMessage(ch)
	msg.Status = utils.StatusAssembleComplete
	msg.TotalDownloadProgress = 1
	msg.AssembleProgress = 1
	e.emit(msg)
	delete(e.channels, ch.Item.UID)
	delete(e.spawnIgnore, ch.Item.UID)
}

func (e *Engine) buildProgressMessage(ch *EngineChannel) ProgressMessage {
	agg := ch.progress
	return ProgressMessage{
		Item:                  ch.Item,
		Status:                agg.status(),
		DownloadProgress:      agg.sessionProgress(),
		TotalDownloadProgress: agg.totalProgress(),
		TransferRate:          formatRate(agg.totalRate()),
		EstimatedRemaining:    agg.etaText,
		Buttons:               agg.buttons(ch.CreatedAt, e.now()),
		ConnectionProgresses:  agg.connectionProgresses(),
	}
}

// emitTerminal reports a download that resolved without an EngineChannel.
func (e *Engine) emitTerminal(item utils.DownloadItem, progress float64) {
	e.emit(ProgressMessage{
		Item:                  item,
		Status:                item.Status,
		TotalDownloadProgress: progress,
		TransferRate:          "0 B/s",
	})
}

func (e *Engine) emit(msg ProgressMessage) {
	select {
	case e.events <- msg:
	default:
		e.log.Debug().Str("uid", msg.Item.UID).Msg("Dropping progress event, outbound channel full")
	}
}

func withDefaults(s utils.DownloadSettings) utils.DownloadSettings {
	if s.TotalConnections < 1 {
		s.TotalConnections = 8
	}
	if s.RetryTimeoutMillis == 0 {
		s.RetryTimeoutMillis = 30_000
	}
	if s.MaxRetryCount == 0 {
		s.MaxRetryCount = 5
	}
	if s.TempDir == "" {
		s.TempDir = ".hanzo-temp"
	}
	if s.SaveDir == "" {
		s.SaveDir = "."
	}
	return s
}
