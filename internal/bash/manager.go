package bash

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/events"
)

// Publisher is the slice of the event broker the manager needs.
type Publisher interface {
	Publish(ctx context.Context, channel, eventType string, payload map[string]any) (*events.Event, error)
}

// process is the mutable record behind one BashProcess snapshot.
// Lock order is manager.mu before process.mu, never the reverse.
type process struct {
	mu sync.Mutex

	id      string
	command string
	cwd     string
	mode    Mode
	status  Status
	usePTY  bool
	timeout time.Duration

	startedAt time.Time
	endedAt   *time.Time
	exitCode  *int
	// killReason records why the manager signaled the process, so wait()
	// can distinguish killed/timeout from a plain non-zero exit.
	killReason Status

	cmd    *exec.Cmd
	pty    *os.File
	stdout *OutputBuffer
	stderr *OutputBuffer
}

// waiter is one FIFO queue entry for the active slot. Unspawned waiters come
// from Execute(mode=active); spawned ones from Promote.
type waiter struct {
	p       *process
	spawned bool
	grant   chan bool
}

// Manager owns every shell process. At most one process holds the active
// slot; active-mode arrivals beyond that queue strictly FIFO.
type Manager struct {
	publisher Publisher
	logger    *logger.Logger
	retention time.Duration

	mu       sync.Mutex
	procs    map[string]*process
	queue    []*waiter
	activeID string
}

// Option configures the manager.
type Option func(*Manager)

// WithRetention overrides how long exited processes stay queryable.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// NewManager creates a bash manager publishing lifecycle events to pub.
// pub may be nil, in which case events are dropped.
func NewManager(pub Publisher, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		publisher: pub,
		logger:    log.WithFields(zap.String("component", "bash_manager")),
		retention: DefaultRetention,
		procs:     make(map[string]*process),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute spawns a shell process and returns its id as soon as the process
// is spawned or enqueued. Background mode spawns immediately; active mode
// spawns only when the slot is free, otherwise the process queues.
func (m *Manager) Execute(command string, opts ExecuteOptions) (string, error) {
	if command == "" {
		return "", errors.New("command is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeActive
	}
	if mode != ModeActive && mode != ModeBackground {
		return "", fmt.Errorf("invalid mode %q", opts.Mode)
	}

	p := &process{
		id:      uuid.New().String(),
		command: command,
		cwd:     opts.Cwd,
		mode:    mode,
		status:  StatusQueued,
		usePTY:  opts.PTY,
		timeout: clampTimeout(opts.TimeoutSeconds),
		stdout:  &OutputBuffer{},
		stderr:  &OutputBuffer{},
	}

	m.mu.Lock()
	m.procs[p.id] = p
	enqueue := mode == ModeActive && m.activeID != ""
	if enqueue {
		m.queue = append(m.queue, &waiter{p: p})
	} else if mode == ModeActive {
		m.activeID = p.id
	}
	m.mu.Unlock()

	if enqueue {
		m.publishStatus(p)
		return p.id, nil
	}

	if err := m.start(p); err != nil {
		m.mu.Lock()
		delete(m.procs, p.id)
		if m.activeID == p.id {
			m.activeID = ""
			m.grantNextLocked()
		}
		m.mu.Unlock()
		return "", err
	}
	m.publishStatus(p)
	return p.id, nil
}

// start spawns the OS process and wires output readers. Caller must not hold
// any lock.
func (m *Manager) start(p *process) error {
	cmd := exec.Command("sh", "-lc", p.command)
	if p.cwd != "" {
		cmd.Dir = p.cwd
	}
	configureSysProcAttr(cmd)

	var readers []func()
	if p.usePTY {
		f, err := startPTY(cmd)
		if err != nil {
			return fmt.Errorf("failed to start pty process: %w", err)
		}
		p.mu.Lock()
		p.pty = f
		p.mu.Unlock()
		readers = append(readers, func() { m.readOutput(p, f, "stdout") })
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to attach stdout: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("failed to attach stderr: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start process: %w", err)
		}
		readers = append(readers,
			func() { m.readOutput(p, stdout, "stdout") },
			func() { m.readOutput(p, stderr, "stderr") },
		)
	}

	now := time.Now().UTC()
	p.mu.Lock()
	p.cmd = cmd
	p.status = StatusRunning
	p.startedAt = now
	p.mu.Unlock()

	m.logger.Debug("process started",
		zap.String("bash_id", p.id),
		zap.String("mode", string(p.mode)),
		zap.Bool("pty", p.usePTY),
	)

	timer := time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		if p.status != StatusRunning {
			p.mu.Unlock()
			return
		}
		p.killReason = StatusTimeout
		cmd := p.cmd
		p.mu.Unlock()
		_ = killTree(cmd)
	})

	for _, r := range readers {
		go r()
	}
	go m.wait(p, timer)
	return nil
}

func (m *Manager) readOutput(p *process, reader io.Reader, stream string) {
	buffered := bufio.NewReader(reader)
	data := make([]byte, 4096)
	for {
		n, err := buffered.Read(data)
		if n > 0 {
			chunk := string(data[:n])
			if stream == "stderr" {
				p.stderr.Append(chunk)
			} else {
				p.stdout.Append(chunk)
			}
			m.publish(events.TypeBashOutput, map[string]any{
				"bashId": p.id,
				"stream": stream,
				"data":   chunk,
			})
		}
		if err != nil {
			// PTY masters return EIO when the child exits.
			return
		}
	}
}

// wait blocks on the process, records the terminal state, and releases the
// active slot.
func (m *Manager) wait(p *process, timer *time.Timer) {
	err := p.cmd.Wait()
	timer.Stop()

	code := 0
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = 1
	}

	now := time.Now().UTC()
	p.mu.Lock()
	if p.pty != nil {
		_ = p.pty.Close()
	}
	switch {
	case p.killReason != "":
		p.status = p.killReason
	case code == 0:
		p.status = StatusCompleted
	default:
		p.status = StatusFailed
	}
	p.exitCode = &code
	p.endedAt = &now
	status := p.status
	p.mu.Unlock()

	m.logger.Debug("process exited",
		zap.String("bash_id", p.id),
		zap.String("status", string(status)),
		zap.Int("exit_code", code),
	)

	m.publish(events.TypeBashExit, map[string]any{
		"bashId":   p.id,
		"exitCode": code,
		"status":   string(status),
	})

	m.mu.Lock()
	if m.activeID == p.id {
		m.activeID = ""
		m.grantNextLocked()
	}
	m.mu.Unlock()
	m.publishStatus(p)
	m.scheduleEviction(p.id)
}

// grantNextLocked hands the freed slot to the first live waiter. Callers
// hold m.mu.
func (m *Manager) grantNextLocked() {
	for len(m.queue) > 0 {
		w := m.queue[0]
		m.queue = m.queue[1:]

		w.p.mu.Lock()
		if w.p.status.Terminal() {
			w.p.mu.Unlock()
			if w.grant != nil {
				w.grant <- false
			}
			continue
		}
		m.activeID = w.p.id
		if w.spawned {
			w.p.mode = ModeActive
			w.p.mu.Unlock()
			if w.grant != nil {
				w.grant <- true
			}
			go m.publishStatus(w.p)
		} else {
			w.p.mu.Unlock()
			go m.startGranted(w.p)
		}
		return
	}
}

// startGranted spawns a queued process that just received the slot.
func (m *Manager) startGranted(p *process) {
	if err := m.start(p); err != nil {
		m.logger.Warn("queued process failed to start",
			zap.String("bash_id", p.id), zap.Error(err))
		now := time.Now().UTC()
		p.mu.Lock()
		p.status = StatusFailed
		p.endedAt = &now
		p.mu.Unlock()

		m.mu.Lock()
		if m.activeID == p.id {
			m.activeID = ""
			m.grantNextLocked()
		}
		m.mu.Unlock()
		m.publishStatus(p)
		m.scheduleEviction(p.id)
		return
	}
	m.publishStatus(p)
}

// Kill terminates a process. Queued processes are removed from the queue;
// running ones get SIGKILL on the whole process group. Returns false when
// the process is unknown, already terminal, or the kill signal failed.
func (m *Manager) Kill(id string) bool {
	m.mu.Lock()
	p, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	p.mu.Lock()
	switch {
	case p.status == StatusQueued:
		now := time.Now().UTC()
		p.status = StatusKilled
		p.endedAt = &now
		p.mu.Unlock()
		m.removeWaiterLocked(id)
		m.mu.Unlock()
		m.publishStatus(p)
		m.scheduleEviction(id)
		return true
	case p.status == StatusRunning:
		p.killReason = StatusKilled
		cmd := p.cmd
		p.mu.Unlock()
		m.removeWaiterLocked(id)
		m.mu.Unlock()
		return killTree(cmd) == nil
	default:
		p.mu.Unlock()
		m.mu.Unlock()
		return false
	}
}

// Demote moves a process out of the active slot (or the waiter queue) to
// background, releasing the slot to the next waiter.
func (m *Manager) Demote(id string) bool {
	m.mu.Lock()
	p, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	p.mu.Lock()
	switch {
	case m.activeID == id && p.status == StatusRunning:
		p.mode = ModeBackground
		p.mu.Unlock()
		m.activeID = ""
		m.grantNextLocked()
		m.mu.Unlock()
		m.publishStatus(p)
		return true
	case p.status == StatusQueued:
		// A queued demotion no longer needs the slot: spawn it now.
		p.mode = ModeBackground
		p.mu.Unlock()
		m.removeWaiterLocked(id)
		m.mu.Unlock()
		go m.startGranted(p)
		return true
	default:
		p.mu.Unlock()
		m.mu.Unlock()
		return false
	}
}

// Promote moves a running background process to active. It waits in the same
// FIFO queue as queued active executions until the slot frees, or until ctx
// is done.
func (m *Manager) Promote(ctx context.Context, id string) bool {
	m.mu.Lock()
	p, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	p.mu.Lock()
	if p.status != StatusRunning || p.mode != ModeBackground {
		p.mu.Unlock()
		m.mu.Unlock()
		return false
	}
	if m.activeID == "" {
		p.mode = ModeActive
		p.mu.Unlock()
		m.activeID = id
		m.mu.Unlock()
		m.publishStatus(p)
		return true
	}
	p.mu.Unlock()
	w := &waiter{p: p, spawned: true, grant: make(chan bool, 1)}
	m.queue = append(m.queue, w)
	m.mu.Unlock()

	select {
	case granted := <-w.grant:
		return granted
	case <-ctx.Done():
		m.mu.Lock()
		m.removeWaiterLocked(id)
		m.mu.Unlock()
		// The grant may have raced the cancellation.
		select {
		case granted := <-w.grant:
			return granted
		default:
			return false
		}
	}
}

// removeWaiterLocked drops any queue entry for id. Callers hold m.mu.
func (m *Manager) removeWaiterLocked(id string) {
	kept := m.queue[:0]
	for _, w := range m.queue {
		if w.p.id == id {
			if w.grant != nil {
				w.grant <- false
			}
			continue
		}
		kept = append(kept, w)
	}
	m.queue = kept
}

// Get returns a snapshot of one process.
func (m *Manager) Get(id string) (*BashProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return nil, false
	}
	snap := m.snapshotLocked(p)
	return &snap, true
}

// List returns snapshots of all tracked processes sorted by start time.
func (m *Manager) List() []BashProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BashProcess, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, m.snapshotLocked(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// GetActive returns the current active-slot holder, if any.
func (m *Manager) GetActive() (*BashProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" {
		return nil, false
	}
	p, ok := m.procs[m.activeID]
	if !ok {
		return nil, false
	}
	snap := m.snapshotLocked(p)
	return &snap, true
}

// GetActiveBashID returns the id of the active-slot holder, or "".
func (m *Manager) GetActiveBashID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// GetActiveQueueLength returns the number of processes waiting on the slot.
func (m *Manager) GetActiveQueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Shutdown kills every running process. Queued processes are killed too.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Kill(id)
	}
}

func (m *Manager) snapshotLocked(p *process) BashProcess {
	p.mu.Lock()
	defer p.mu.Unlock()
	return BashProcess{
		ID:        p.id,
		Command:   p.command,
		Mode:      p.mode,
		Status:    p.status,
		Cwd:       p.cwd,
		StartedAt: p.startedAt,
		EndedAt:   p.endedAt,
		ExitCode:  p.exitCode,
		Stdout:    p.stdout.String(),
		Stderr:    p.stderr.String(),
		IsActive:  m.activeID == p.id,
	}
}

func (m *Manager) scheduleEviction(id string) {
	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		delete(m.procs, id)
		m.mu.Unlock()
	})
}

func (m *Manager) publishStatus(p *process) {
	m.mu.Lock()
	isActive := m.activeID == p.id
	m.mu.Unlock()
	p.mu.Lock()
	payload := map[string]any{
		"bashId":   p.id,
		"status":   string(p.status),
		"mode":     string(p.mode),
		"isActive": isActive,
	}
	p.mu.Unlock()
	m.publish(events.TypeBashStatus, payload)
}

func (m *Manager) publish(eventType string, payload map[string]any) {
	if m.publisher == nil {
		return
	}
	if _, err := m.publisher.Publish(context.Background(), events.ChannelBash, eventType, payload); err != nil {
		m.logger.Warn("failed to publish bash event",
			zap.String("type", eventType), zap.Error(err))
	}
}
