package recording

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/seiler-io/jetgate/internal/token"
)

// DisconnectedTTL is the grace window after a disconnect during which a
// reconnect re-attaches to the existing manifest.
const DisconnectedTTL = 10 * time.Second

// lengthWarningThreshold is a load-or-leak signal, never fatal.
const lengthWarningThreshold = 1000

// ErrConcurrentRecording is returned by Connect when the session already has
// a connected recording.
var ErrConcurrentRecording = errors.New("concurrent recording for the same session is not supported")

// errShuttingDown is replied to connect requests during drain.
var errShuttingDown = errors.New("recording manager is shutting down")

// StateKind tags the recording state machine. The Connected/LastSeen pair is
// a tagged variant on purpose: reconnect-within-TTL correctness depends on
// the timestamp traveling with the LastSeen state.
type StateKind int

const (
	StateConnected StateKind = iota
	StateLastSeen
)

func (k StateKind) String() string {
	switch k {
	case StateConnected:
		return "connected"
	case StateLastSeen:
		return "lastSeen"
	default:
		return "unknown"
	}
}

// State is the detailed state of one ongoing recording.
type State struct {
	Kind StateKind
	// LastSeen is the disconnect time in unix seconds, set when Kind is StateLastSeen.
	LastSeen int64
}

type ongoingRecording struct {
	state        State
	manifest     *Manifest
	manifestPath string
}

type managerMsg interface{ isManagerMsg() }

type connectReply struct {
	path string
	err  error
}

type connectMsg struct {
	id       uuid.UUID
	fileType token.FileType
	reply    chan connectReply
}

type disconnectMsg struct {
	id uuid.UUID
}

type getStateMsg struct {
	id    uuid.UUID
	reply chan *State
}

type getCountMsg struct {
	reply chan int
}

func (connectMsg) isManagerMsg()    {}
func (disconnectMsg) isManagerMsg() {}
func (getStateMsg) isManagerMsg()   {}
func (getCountMsg) isManagerMsg()   {}

// Handle is the cheap-to-copy sender side of the recording manager. It
// carries the request channel plus the shared active-recording index.
type Handle struct {
	ch     chan<- managerMsg
	Active *ActiveRecordings
}

// Connect asks the manager to start (or resume) a recording for id and
// returns the path of the new payload file. The path is valid by the time
// Connect returns; the caller opens it for writing.
func (h Handle) Connect(ctx context.Context, id uuid.UUID, fileType token.FileType) (string, error) {
	reply := make(chan connectReply, 1)
	select {
	case h.ch <- connectMsg{id: id, fileType: fileType, reply: reply}:
	case <-ctx.Done():
		return "", fmt.Errorf("send connect request: %w", ctx.Err())
	}
	select {
	case res := <-reply:
		return res.path, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("receive recording file path: %w", ctx.Err())
	}
}

// Disconnect tells the manager the pusher for id is done. Fire-and-forget:
// manifest finalization errors are logged by the manager.
func (h Handle) Disconnect(ctx context.Context, id uuid.UUID) error {
	select {
	case h.ch <- disconnectMsg{id: id}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send disconnect request: %w", ctx.Err())
	}
}

// GetState returns the detailed recording state for id, or nil if there is
// no ongoing recording.
func (h Handle) GetState(ctx context.Context, id uuid.UUID) (*State, error) {
	reply := make(chan *State, 1)
	select {
	case h.ch <- getStateMsg{id: id, reply: reply}:
	case <-ctx.Done():
		return nil, fmt.Errorf("send state request: %w", ctx.Err())
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("receive recording state: %w", ctx.Err())
	}
}

// GetCount returns the number of ongoing recordings (connected or in TTL).
func (h Handle) GetCount(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.ch <- getCountMsg{reply: reply}:
	case <-ctx.Done():
		return 0, fmt.Errorf("send count request: %w", ctx.Err())
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("receive recording count: %w", ctx.Err())
	}
}

// Close closes the request channel. Call exactly once, after every producer
// (pushers, admin handlers) has finished; it lets a draining manager exit.
func (h Handle) Close() {
	close(h.ch)
}

// Manager owns all on-disk recording state. Exactly one goroutine runs it;
// every mutation of ongoing recordings and manifests goes through its inbox.
type Manager struct {
	rx      <-chan managerMsg
	active  *ActiveRecordings
	ongoing map[uuid.UUID]*ongoingRecording
	root    string

	// TTL is the post-disconnect grace window. Overridable before Run.
	TTL time.Duration
	// OnEvict is called from the manager goroutine when a recording is
	// evicted after its TTL expires without a reconnect. Good timing to kill
	// sessions that must be recorded.
	OnEvict func(id uuid.UUID)

	now func() time.Time
}

// New creates a recording manager rooted at dir and its sender handle.
// Requests are buffered (64); producers block once the inbox is full.
func New(dir string) (Handle, *Manager) {
	active := newActiveRecordings()
	ch := make(chan managerMsg, 64)

	handle := Handle{ch: ch, Active: active}
	manager := &Manager{
		rx:      ch,
		active:  active,
		ongoing: make(map[uuid.UUID]*ongoingRecording),
		root:    dir,
		TTL:     DisconnectedTTL,
		now:     time.Now,
	}
	return handle, manager
}

// Run processes requests until ctx is cancelled, then keeps draining
// disconnect messages until the handle is closed so every final manifest is
// flushed. Pending evictions are abandoned on shutdown; a later reconnect or
// the operator cleans the files up.
func (m *Manager) Run(ctx context.Context) error {
	slog.Debug("recording manager started", "dir", m.root)

	var ttlQueue ttlHeap

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false
	var armedDeadline time.Time

	rearm := func(deadline time.Time) {
		if timerArmed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(deadline))
		timerArmed = true
		armedDeadline = deadline
	}

loop:
	for {
		// The timer branch is disabled while the queue is empty so a stale
		// deadline can never fire a removal.
		var timerC <-chan time.Time
		if timerArmed && len(ttlQueue) > 0 {
			timerC = timer.C
		}

		select {
		case <-timerC:
			timerArmed = false
			expired := heap.Pop(&ttlQueue).(ttlEntry)
			m.handleRemove(expired.id)
			if len(ttlQueue) > 0 {
				rearm(ttlQueue[0].deadline)
			}

		case msg, ok := <-m.rx:
			if !ok {
				slog.Warn("all recording senders are gone")
				return nil
			}

			switch msg := msg.(type) {
			case connectMsg:
				path, err := m.handleConnect(msg.id, msg.fileType)
				msg.reply <- connectReply{path: path, err: err}

			case disconnectMsg:
				if err := m.handleDisconnect(msg.id); err != nil {
					slog.Error("handle disconnect", "id", msg.id, "error", err)
				}

				deadline := m.now().Add(m.TTL)
				heap.Push(&ttlQueue, ttlEntry{deadline: deadline, id: msg.id})

				// Re-arm if the new deadline is sooner than the armed one,
				// or if the timer already fired.
				if !timerArmed || deadline.Before(armedDeadline) {
					rearm(deadline)
				}

			case getStateMsg:
				var st *State
				if ongoing, ok := m.ongoing[msg.id]; ok {
					s := ongoing.state
					st = &s
				}
				msg.reply <- st

			case getCountMsg:
				msg.reply <- len(m.ongoing)
			}

		case <-ctx.Done():
			break loop
		}
	}

	slog.Debug("recording manager stopping; draining disconnect messages")

	for msg := range m.rx {
		switch msg := msg.(type) {
		case disconnectMsg:
			if err := m.handleDisconnect(msg.id); err != nil {
				slog.Error("handle disconnect", "id", msg.id, "error", err)
			}
			m.active.remove(msg.id)
			delete(m.ongoing, msg.id)
		case connectMsg:
			msg.reply <- connectReply{err: errShuttingDown}
		case getStateMsg:
			msg.reply <- nil
		case getCountMsg:
			msg.reply <- len(m.ongoing)
		}
	}

	slog.Debug("recording manager terminated")

	return nil
}

func (m *Manager) handleConnect(id uuid.UUID, fileType token.FileType) (string, error) {
	if ongoing, ok := m.ongoing[id]; ok && ongoing.state.Kind == StateConnected {
		return "", ErrConcurrentRecording
	}

	recordingDir := filepath.Join(m.root, id.String())
	manifestPath := filepath.Join(recordingDir, manifestFileName)

	var (
		manifest      *Manifest
		recordingFile string
	)

	if _, err := os.Stat(recordingDir); err == nil {
		slog.Debug("recording directory already exists", "path", recordingDir)

		manifest, err = readManifest(manifestPath)
		if err != nil {
			return "", fmt.Errorf("read manifest from disk: %w", err)
		}

		fileName := fmt.Sprintf("recording-%d.%s", len(manifest.Files), fileType)
		recordingFile = filepath.Join(recordingDir, fileName)

		manifest.Files = append(manifest.Files, File{
			FileName:  fileName,
			StartTime: m.now().Unix(),
			Duration:  0,
		})

		if err := manifest.saveTo(manifestPath); err != nil {
			return "", fmt.Errorf("override existing manifest: %w", err)
		}
	} else {
		slog.Debug("create recording directory", "path", recordingDir)

		if err := os.MkdirAll(recordingDir, 0755); err != nil {
			return "", fmt.Errorf("create recording path %s: %w", recordingDir, err)
		}

		startTime := m.now().Unix()
		fileName := fmt.Sprintf("recording-0.%s", fileType)
		recordingFile = filepath.Join(recordingDir, fileName)

		manifest = &Manifest{
			SessionID: id,
			StartTime: startTime,
			Duration:  0,
			Files: []File{{
				FileName:  fileName,
				StartTime: startTime,
				Duration:  0,
			}},
		}

		if err := manifest.saveTo(manifestPath); err != nil {
			return "", fmt.Errorf("write initial manifest to disk: %w", err)
		}
	}

	activeCount := m.active.insert(id)

	m.ongoing[id] = &ongoingRecording{
		state:        State{Kind: StateConnected},
		manifest:     manifest,
		manifestPath: manifestPath,
	}

	if activeCount > lengthWarningThreshold || len(m.ongoing) > lengthWarningThreshold {
		slog.Warn("length threshold exceeded (either the load is very high or the list is growing uncontrollably)",
			"active_recording_count", activeCount,
			"ongoing_recording_count", len(m.ongoing))
	}

	return recordingFile, nil
}

func (m *Manager) handleDisconnect(id uuid.UUID) error {
	ongoing, ok := m.ongoing[id]
	if !ok {
		return fmt.Errorf("unknown recording for ID %s", id)
	}
	if ongoing.state.Kind != StateConnected {
		return fmt.Errorf("a recording not connected can't be disconnected (there is probably a bug)")
	}

	endTime := m.now().Unix()

	ongoing.state = State{Kind: StateLastSeen, LastSeen: endTime}

	if len(ongoing.manifest.Files) == 0 {
		return fmt.Errorf("no recording file (this is a bug)")
	}
	currentFile := &ongoing.manifest.Files[len(ongoing.manifest.Files)-1]
	currentFile.Duration = endTime - currentFile.StartTime

	ongoing.manifest.Duration = endTime - ongoing.manifest.StartTime

	slog.Debug("write updated manifest to disk", "path", ongoing.manifestPath)

	if err := ongoing.manifest.saveTo(ongoing.manifestPath); err != nil {
		return fmt.Errorf("write manifest at %s: %w", ongoing.manifestPath, err)
	}

	return nil
}

func (m *Manager) handleRemove(id uuid.UUID) {
	ongoing, ok := m.ongoing[id]
	if !ok {
		return
	}

	now := m.now().Unix()
	ttlSecs := int64(m.TTL / time.Second)

	// Comparing against ttlSecs-1 tolerates a sleep timer returning slightly
	// early. A reconnect in the interim put the state back to Connected and
	// makes this tick a no-op.
	if ongoing.state.Kind == StateLastSeen && now >= ongoing.state.LastSeen+ttlSecs-1 {
		slog.Debug("mark recording as terminated", "id", id)
		m.active.remove(id)
		delete(m.ongoing, id)
		if m.OnEvict != nil {
			m.OnEvict(id)
		}
	} else {
		slog.Debug("recording should not be removed yet", "id", id)
	}
}

type ttlEntry struct {
	deadline time.Time
	id       uuid.UUID
}

// ttlHeap pops the earliest deadline first; ties break on ascending ID for
// determinism.
type ttlHeap []ttlEntry

func (h ttlHeap) Len() int { return len(h) }

func (h ttlHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return bytes.Compare(h[i].id[:], h[j].id[:]) < 0
}

func (h ttlHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *ttlHeap) Push(x any) { *h = append(*h, x.(ttlEntry)) }

func (h *ttlHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
