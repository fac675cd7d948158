package bash

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/events"
)

// recordingPublisher captures published events without a broker.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, channel, eventType string, payload map[string]any) (*events.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := events.NewEvent(channel, eventType, payload)
	r.events = append(r.events, e)
	return e, nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *recordingPublisher) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	pub := &recordingPublisher{}
	return NewManager(pub, log), pub
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) *BashProcess {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := m.Get(id); ok && p.Status == want {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	p, _ := m.Get(id)
	t.Fatalf("process %s never reached %s (last: %+v)", id, want, p)
	return nil
}

func TestExecuteBackgroundCompletes(t *testing.T) {
	m, pub := newTestManager(t)
	id, err := m.Execute("echo hello", ExecuteOptions{Mode: ModeBackground})
	require.NoError(t, err)

	p := waitForStatus(t, m, id, StatusCompleted)
	require.Equal(t, 0, *p.ExitCode)
	require.Contains(t, p.Stdout, "hello")
	require.False(t, p.IsActive)
	require.NotNil(t, p.EndedAt)
	require.Contains(t, pub.types(), events.TypeBashExit)
	require.Contains(t, pub.types(), events.TypeBashOutput)
}

func TestExecuteNonZeroExitFails(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Execute("exit 3", ExecuteOptions{Mode: ModeBackground})
	require.NoError(t, err)

	p := waitForStatus(t, m, id, StatusFailed)
	require.Equal(t, 3, *p.ExitCode)
}

func TestExecuteEmptyCommandRejected(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Execute("", ExecuteOptions{})
	require.Error(t, err)
}

func TestActiveSlotMutualExclusion(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.Execute("sleep 5", ExecuteOptions{Mode: ModeActive})
	require.NoError(t, err)
	b, err := m.Execute("echo queued", ExecuteOptions{Mode: ModeActive})
	require.NoError(t, err)

	require.Equal(t, a, m.GetActiveBashID())
	require.Equal(t, 1, m.GetActiveQueueLength())

	pb, ok := m.Get(b)
	require.True(t, ok)
	require.Equal(t, ModeActive, pb.Mode)
	require.Equal(t, StatusQueued, pb.Status)
	require.False(t, pb.IsActive)

	running := 0
	for _, p := range m.List() {
		if p.Mode == ModeActive && p.Status == StatusRunning {
			running++
		}
	}
	require.LessOrEqual(t, running, 1)

	require.True(t, m.Kill(a))
	waitForStatus(t, m, a, StatusKilled)
	waitForStatus(t, m, b, StatusCompleted)
	require.Equal(t, 0, m.GetActiveQueueLength())
}

func TestDemoteReleasesSlotToNextWaiter(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.Execute("sleep 5", ExecuteOptions{Mode: ModeActive})
	require.NoError(t, err)
	b, err := m.Execute("echo promoted", ExecuteOptions{Mode: ModeActive})
	require.NoError(t, err)
	require.Equal(t, 1, m.GetActiveQueueLength())

	require.True(t, m.Demote(a))
	pa, ok := m.Get(a)
	require.True(t, ok)
	require.Equal(t, ModeBackground, pa.Mode)
	require.Equal(t, StatusRunning, pa.Status)

	waitForStatus(t, m, b, StatusCompleted)
	require.True(t, m.Kill(a))
	waitForStatus(t, m, a, StatusKilled)
}

func TestPromoteWaitsForSlot(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.Execute("sleep 5", ExecuteOptions{Mode: ModeActive})
	require.NoError(t, err)
	b, err := m.Execute("sleep 5", ExecuteOptions{Mode: ModeBackground})
	require.NoError(t, err)
	waitForStatus(t, m, b, StatusRunning)

	done := make(chan bool, 1)
	go func() {
		done <- m.Promote(context.Background(), b)
	}()

	// b must not become active while a holds the slot.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, a, m.GetActiveBashID())

	require.True(t, m.Kill(a))
	select {
	case granted := <-done:
		require.True(t, granted)
	case <-time.After(5 * time.Second):
		t.Fatal("promote never completed")
	}
	require.Equal(t, b, m.GetActiveBashID())
	pb, _ := m.Get(b)
	require.Equal(t, ModeActive, pb.Mode)

	require.True(t, m.Kill(b))
}

func TestPromoteCancellation(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.Execute("sleep 5", ExecuteOptions{Mode: ModeActive})
	require.NoError(t, err)
	b, err := m.Execute("sleep 5", ExecuteOptions{Mode: ModeBackground})
	require.NoError(t, err)
	waitForStatus(t, m, b, StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.False(t, m.Promote(ctx, b))
	require.Equal(t, 0, m.GetActiveQueueLength())

	require.True(t, m.Kill(a))
	require.True(t, m.Kill(b))
}

func TestTimeoutKillsProcess(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.Execute("sleep 30", ExecuteOptions{Mode: ModeBackground, TimeoutSeconds: 1})
	require.NoError(t, err)

	p := waitForStatus(t, m, id, StatusTimeout)
	require.NotNil(t, p.ExitCode)
}

func TestKillQueuedProcess(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.Execute("sleep 5", ExecuteOptions{Mode: ModeActive})
	require.NoError(t, err)
	b, err := m.Execute("echo never", ExecuteOptions{Mode: ModeActive})
	require.NoError(t, err)

	require.True(t, m.Kill(b))
	pb, _ := m.Get(b)
	require.Equal(t, StatusKilled, pb.Status)
	require.Empty(t, pb.Stdout)
	require.Equal(t, 0, m.GetActiveQueueLength())

	require.False(t, m.Kill(b), "terminal processes cannot be killed again")
	require.True(t, m.Kill(a))
}

func TestKillUnknownProcess(t *testing.T) {
	m, _ := newTestManager(t)
	require.False(t, m.Kill("no-such-id"))
}

func TestClampTimeout(t *testing.T) {
	require.Equal(t, DefaultTimeout, clampTimeout(0))
	require.Equal(t, DefaultTimeout, clampTimeout(-5))
	require.Equal(t, 30*time.Second, clampTimeout(30))
	require.Equal(t, MaxTimeout, clampTimeout(9999))
}

func TestStderrCaptured(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Execute("echo oops 1>&2", ExecuteOptions{Mode: ModeBackground})
	require.NoError(t, err)

	p := waitForStatus(t, m, id, StatusCompleted)
	require.Contains(t, p.Stderr, "oops")
	require.Empty(t, p.Stdout)
}
