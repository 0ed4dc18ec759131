package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/codedrop/directory"
	"github.com/opd-ai/codedrop/interfaces"
	"github.com/opd-ai/codedrop/transfer"
	"github.com/opd-ai/codedrop/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for a command writing while the test
// polls it.
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

// waitForMatch polls out until re matches and returns the first group.
func waitForMatch(t *testing.T, out *syncBuffer, re *regexp.Regexp) string {
	t.Helper()
	var match string
	require.Eventually(t, func() bool {
		m := re.FindStringSubmatch(out.String())
		if m == nil {
			return false
		}
		match = m[1]
		return true
	}, 5*time.Second, 10*time.Millisecond, "output: %s", out.String())
	return match
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"upload"}},
		{"unknown global flag", []string{"-bogus", "send", "a.txt"}},
		{"send without files", []string{"send"}},
		{"receive without code", []string{"receive"}},
		{"receive with two codes", []string{"receive", "123456", "654321"}},
		{"directory with arguments", []string{"directory", "extra"}},
		{"directory negative ttl", []string{"directory", "-ttl", "-1s"}},
		{"invalid transport", []string{"-transport", "carrier-pigeon", "send", "a.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, exitUsage, code, "stderr: %s", stderr.String())
		})
	}
}

func TestRunSendMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "missing.txt")

	code := run(context.Background(), []string{"-transport", "memory", "send", missing}, &stdout, &stderr)

	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "Error:")
}

func TestRunReceiveUnknownCode(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{
		"-transport", "memory", "receive", "-out", t.TempDir(), "000001",
	}, &stdout, &stderr)

	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), interfaces.ErrCodeNotFound.Error())
}

func TestParseReceiveFlags(t *testing.T) {
	var stderr bytes.Buffer

	opts, err := parseReceiveFlags([]string{"-out", "downloads", "482913"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "downloads", opts.outDir)
	assert.Equal(t, "482913", opts.input)

	opts, err = parseReceiveFlags([]string{"-qr", "code.png"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "code.png", opts.qrImage)
	assert.Empty(t, opts.input)

	_, err = parseReceiveFlags([]string{"-qr", "code.png", "482913"}, &stderr)
	assert.ErrorIs(t, err, errUsage)
}

func TestDirectoryOptionsConfig(t *testing.T) {
	mem := (&directoryOptions{ttl: time.Hour}).config()
	assert.Equal(t, interfaces.BackendMemory, mem.Backend)
	assert.Equal(t, time.Hour, mem.TTL)
	require.NoError(t, mem.Validate())

	sqlite := (&directoryOptions{dbPath: "codes.db", ttl: time.Minute}).config()
	assert.Equal(t, interfaces.BackendSQLite, sqlite.Backend)
	assert.Equal(t, "codes.db", sqlite.Path)
	require.NoError(t, sqlite.Validate())
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}

	mem := directory.NewMemoryDirectory(time.Minute)
	mem.SetTimeProvider(clock)
	require.NoError(t, mem.Publish(ctx, "111111", "10.0.0.1:4000"))

	n, err := purgeExpired(ctx, mem)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = purgeExpired(ctx, mem)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	db, err := directory.NewSQLiteDirectory(filepath.Join(t.TempDir(), "codes.db"), time.Minute)
	require.NoError(t, err)
	defer db.Close()
	db.SetTimeProvider(clock)
	require.NoError(t, db.Publish(ctx, "222222", "10.0.0.2:4000"))

	clock.Advance(2 * time.Minute)
	n, err = purgeExpired(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRunDirectoryServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stdout := &syncBuffer{}
	var stderr bytes.Buffer
	exit := make(chan int, 1)
	go func() {
		exit <- run(ctx, []string{"directory", "-listen", "127.0.0.1:0", "-ttl", "1h"}, stdout, &stderr)
	}()

	addr := waitForMatch(t, stdout, regexp.MustCompile(`Directory listening on (\S+)`))

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case code := <-exit:
		assert.Equal(t, exitOK, code, "stderr: %s", stderr.String())
	case <-time.After(10 * time.Second):
		t.Fatal("directory did not stop")
	}
	assert.Contains(t, stdout.String(), "Directory stopped")
}

func TestRunSendAndReceive(t *testing.T) {
	src := filepath.Join(t.TempDir(), "notes.txt")
	content := []byte("the quick brown fox jumps over the lazy dog\n")
	require.NoError(t, os.WriteFile(src, content, 0o644))
	outDir := t.TempDir()

	sendOut := &syncBuffer{}
	var sendErr bytes.Buffer
	sent := make(chan int, 1)
	go func() {
		sent <- run(context.Background(), []string{"-transport", "memory", "send", "-no-qr", src}, sendOut, &sendErr)
	}()

	rendezvous := waitForMatch(t, sendOut, regexp.MustCompile(`Code: (\d+)`))

	var recvOut, recvErr bytes.Buffer
	code := run(context.Background(), []string{
		"-transport", "memory", "receive", "-out", outDir, rendezvous,
	}, &recvOut, &recvErr)
	require.Equal(t, exitOK, code, "stderr: %s", recvErr.String())
	assert.Contains(t, recvOut.String(), "Received 1 file(s)")

	got, err := os.ReadFile(filepath.Join(outDir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	select {
	case code := <-sent:
		assert.Equal(t, exitOK, code, "stderr: %s", sendErr.String())
	case <-time.After(10 * time.Second):
		t.Fatal("send did not finish")
	}
	assert.Contains(t, sendOut.String(), "Sent 1 file(s)")
}

func TestRunReceiveInterruptedIsIncomplete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := transport.Local().Listen(ctx, "")
	require.NoError(t, err)
	defer ln.Close()

	const rendezvous = "731942"
	require.NoError(t, directory.Local().Publish(ctx, rendezvous, ln.Addr()))
	defer directory.Local().Withdraw(context.Background(), rendezvous)

	// The sender side accepts and then stays silent.
	accepted := make(chan transport.Session, 1)
	go func() {
		sess, err := ln.Accept(ctx)
		if err == nil {
			accepted <- sess
		}
	}()

	recvOut := &syncBuffer{}
	var recvErr bytes.Buffer
	exited := make(chan int, 1)
	go func() {
		exited <- run(ctx, []string{"-transport", "memory", "receive", "-out", t.TempDir(), rendezvous}, recvOut, &recvErr)
	}()

	waitForMatch(t, recvOut, regexp.MustCompile(`Connected to (\S+)`))
	select {
	case sess := <-accepted:
		defer sess.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never connected")
	}
	cancel()

	select {
	case code := <-exited:
		assert.Equal(t, exitIncomplete, code, "stderr: %s", recvErr.String())
	case <-time.After(10 * time.Second):
		t.Fatal("receive did not exit")
	}
	assert.Contains(t, recvOut.String(), "Received 0 file(s)")
}

func TestReceiveOutcome(t *testing.T) {
	assert.NoError(t, receiveOutcome(nil))

	incomplete := fmt.Errorf("%w: %w", transfer.ErrTransferIncomplete, context.Canceled)
	assert.ErrorIs(t, receiveOutcome(incomplete), errIncomplete)
	assert.ErrorIs(t, receiveOutcome(incomplete), context.Canceled)

	assert.NotErrorIs(t, receiveOutcome(interfaces.ErrCodeNotFound), errIncomplete)
}

func TestRunSendAndReceiveByQRCode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.bin")
	content := bytes.Repeat([]byte{0xAB, 0xCD}, 3000)
	require.NoError(t, os.WriteFile(src, content, 0o644))
	qrPath := filepath.Join(dir, "link.png")
	outDir := filepath.Join(dir, "out")

	sendOut := &syncBuffer{}
	var sendErr bytes.Buffer
	sent := make(chan int, 1)
	go func() {
		sent <- run(context.Background(), []string{
			"-transport", "memory", "send", "-no-qr", "-qr", qrPath, src,
		}, sendOut, &sendErr)
	}()

	waitForMatch(t, sendOut, regexp.MustCompile(`QR code written to (\S+)`))

	var recvOut, recvErr bytes.Buffer
	code := run(context.Background(), []string{
		"-transport", "memory", "receive", "-out", outDir, "-qr", qrPath,
	}, &recvOut, &recvErr)
	require.Equal(t, exitOK, code, "stderr: %s", recvErr.String())

	got, err := os.ReadFile(filepath.Join(outDir, "photo.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	select {
	case code := <-sent:
		assert.Equal(t, exitOK, code, "stderr: %s", sendErr.String())
	case <-time.After(10 * time.Second):
		t.Fatal("send did not finish")
	}
}
