package main

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// execute runs the command line args with a fresh command tree.
func execute(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// shmEnv points the shm transport at a private directory with fast polling.
func shmEnv(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("shared memory transport unsupported on " + runtime.GOOS)
	}
	t.Setenv("GOCAL_TRANSPORT", "shm")
	t.Setenv("GOCAL_SHM_DIR", t.TempDir())
	t.Setenv("GOCAL_SHM_DISCOVERY_INTERVAL", "10ms")
	t.Setenv("GOCAL_LOG_LEVEL", "error")
}

func TestHelloSend_Count(t *testing.T) {
	out, err := execute(t.Context(), t, "--transport", "memory", "--log-level", "error",
		"hello", "send", "--count", "3", "--interval", "1ms")
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{
		"Sent: HELLO WORLD FROM GO (1)",
		"Sent: HELLO WORLD FROM GO (2)",
		"Sent: HELLO WORLD FROM GO (3)",
	} {
		if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 3 || lines[i] != want {
			t.Fatalf("output = %q", out)
		}
	}
}

func TestBlobSend_ZeroCopy(t *testing.T) {
	out, err := execute(t.Context(), t, "--transport", "memory", "--log-level", "error",
		"blob", "send", "--count", "2", "--interval", "1ms", "--zero-copy", "--size", "64")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Sent buffer filled with 0") || !strings.Contains(out, "Sent buffer filled with 1") {
		t.Errorf("output = %q", out)
	}
}

func TestInvalidTransport(t *testing.T) {
	if _, err := execute(t.Context(), t, "--transport", "pigeon", "hello", "send", "--count", "1"); err == nil {
		t.Error("expected error")
	}
}

func TestInfo(t *testing.T) {
	t.Setenv("GOCAL_UNIT", "inspector")
	out, err := execute(t.Context(), t, "info")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "unit: inspector") || !strings.Contains(out, "transport: shm") {
		t.Errorf("output = %q", out)
	}

	out, err = execute(t.Context(), t, "info", "--keys")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "GOCAL_SHM_BUFFER_COUNT\n") {
		t.Errorf("keys = %q", out)
	}
}

// runPair runs a receiver until it returns while a sender publishes on the
// same shm directory.
func runPair(t *testing.T, receive, send []string) string {
	t.Helper()
	shmEnv(t)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	var sending sync.WaitGroup
	sendCtx, stopSend := context.WithCancel(ctx)
	sending.Add(1)
	go func() {
		defer sending.Done()
		_, _ = execute(sendCtx, t, send...)
	}()

	recvOut, recvErr := execute(ctx, t, receive...)
	stopSend()
	sending.Wait()

	if recvErr != nil {
		t.Fatal(recvErr)
	}
	if ctx.Err() != nil {
		t.Fatalf("receiver timed out: %q", recvOut)
	}
	return recvOut
}

func TestHello_SendReceive(t *testing.T) {
	out := runPair(t,
		[]string{"hello", "receive", "--count", "2"},
		[]string{"hello", "send", "--interval", "20ms"},
	)
	if !strings.Contains(out, "Waiting for messages on topic 'hello'") {
		t.Errorf("output = %q", out)
	}
	if strings.Count(out, "HELLO WORLD FROM GO") < 2 {
		t.Errorf("output = %q", out)
	}
}

func TestJSON_SendReceive(t *testing.T) {
	out := runPair(t,
		[]string{"json", "receive", "--count", "1"},
		[]string{"json", "send", "--interval", "20ms"},
	)
	for _, want := range []string{"encoding     : json", "type name    : SimpleMessage", "message      : HELLO WORLD FROM GO"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBlob_SendReceive(t *testing.T) {
	out := runPair(t,
		[]string{"blob", "receive", "--count", "1"},
		[]string{"blob", "send", "--interval", "20ms", "--size", "256", "--zero-copy"},
	)
	if !strings.Contains(out, "buffer size  : 256") {
		t.Errorf("output = %q", out)
	}
}

func TestPerf_SendReceive(t *testing.T) {
	t.Setenv("GOCAL_METRICS_INTERVAL", "50ms")
	out := runPair(t,
		[]string{"perf", "receive", "--count", "20"},
		[]string{"perf", "send", "--size", "4096", "--zero-copy", "--rate", "200"},
	)
	if !strings.Contains(out, "Messages/s") {
		t.Errorf("output = %q", out)
	}
}
