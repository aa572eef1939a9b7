package reaper

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestNonChildProcess is the Go analogue of
// original_source/src/tests/reaper_tests.cpp's NonChildProcess case: a
// process reparented away from us must still produce exactly one exit
// notification when killed.
//
// A real orphan requires an actual double fork: the test starts a shell
// that backgrounds "sleep 30" and immediately exits, printing the
// backgrounded PID first. Once the shell (the test's direct child) exits,
// the sleep process is reparented to init (or the nearest subreaper) —
// it is never a child of the test binary at any point, unlike a process
// merely started with Setsid.
func TestNonChildProcess(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 30 & echo -n $!")
	var out bytes.Buffer
	cmd.Stdout = &out
	require.NoError(t, cmd.Run())

	pid, err := strconv.Atoi(strings.TrimSpace(out.String()))
	require.NoError(t, err)

	r := New()
	r.interval = 50 * time.Millisecond

	var mu sync.Mutex
	var notified []int
	done := make(chan struct{})

	r.AddListener(func(p int, status ExitStatus) {
		mu.Lock()
		notified = append(notified, p)
		mu.Unlock()
		close(done)
	})
	r.Monitor(pid)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not notify of process exit")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	require.Equal(t, pid, notified[0])
}

// TestMonitorIdempotent verifies monitor(pid) followed by monitor(pid)
// yields exactly one notification.
func TestMonitorIdempotent(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	defer cmd.Process.Kill()

	r := New()
	r.interval = 20 * time.Millisecond

	var mu sync.Mutex
	count := 0
	done := make(chan struct{}, 1)

	r.AddListener(func(p int, status ExitStatus) {
		mu.Lock()
		count++
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})
	r.Monitor(pid)
	r.Monitor(pid)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not notify of process exit")
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}
