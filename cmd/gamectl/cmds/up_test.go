package cmds

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/ttcn-0906/game-store-system/pkg/config"
	"github.com/ttcn-0906/game-store-system/pkg/events"
	"github.com/ttcn-0906/game-store-system/pkg/orchestrate"
	"github.com/ttcn-0906/game-store-system/pkg/state"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor/procgroup"
)

func TestSaveRunState_AbortedRunKeepsLaunchedWindows(t *testing.T) {
	root := t.TempDir()
	b, err := procgroup.New(procgroup.Options{RepoRoot: root, ShutdownTimeout: 2 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = b.Create(ctx, "game_system", supervisor.Window{
		Label:   "database",
		Command: []string{"bash", "-lc", "sleep 5"},
	})
	require.NoError(t, err)
	defer func() { _, _ = b.Reset(context.Background(), "game_system") }()

	cfg := config.Default()
	report := &orchestrate.Report{
		Session: "game_system",
		Phase:   orchestrate.PhaseAborted,
		Results: []orchestrate.ServiceResult{
			{Service: "database", Window: 0, Outcome: orchestrate.OutcomeLaunched},
			{Service: "developer", Window: 1, Outcome: orchestrate.OutcomeNotReady, Error: "probe exhausted"},
		},
	}

	opts := rootOptions{RepoRoot: root, Backend: backendProcgroup}
	require.NoError(t, saveRunState(opts, cfg, b, report))

	st, err := state.Load(root)
	require.NoError(t, err)
	require.Equal(t, "game_system", st.Session)
	require.Len(t, st.Windows, 1)
	require.Equal(t, "database", st.Windows[0].Service)
}

func TestSaveRunState_NothingLaunchedNothingRecorded(t *testing.T) {
	root := t.TempDir()
	b, err := procgroup.New(procgroup.Options{RepoRoot: root})
	require.NoError(t, err)

	report := &orchestrate.Report{Session: "game_system", Phase: orchestrate.PhaseAborted}
	opts := rootOptions{RepoRoot: root, Backend: backendProcgroup}
	require.NoError(t, saveRunState(opts, config.Default(), b, report))

	_, err = state.Load(root)
	require.Error(t, err)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMirrorLifecycleEvents_SeesEventsPublishedImmediately(t *testing.T) {
	var buf syncBuffer
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	bus := events.NewInMemoryBus()
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mirrorLifecycleEvents(ctx, bus))

	// Publishing right after the mirror returns must be delivered; the
	// subscriptions are in place before any launch happens.
	require.NoError(t, bus.Publish(events.TopicServiceLaunched, events.Event{
		Session: "game_system",
		Service: "database",
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bytes.Contains([]byte(buf.String()), []byte("database")) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("launched event never reached the log mirror: %s", buf.String())
}
