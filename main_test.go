package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"waveserver/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Archive.Enabled = true
	cfg.Archive.Path = filepath.Join(t.TempDir(), "archive")
	cfg.Archive.PoolBlocks = 16
	cfg.Archive.BlockSamples = 64
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestLoadConfigPrefersEnvironmentDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "server.yaml"), []byte("server:\n  name: \"envnode\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, dir)

	cfg, source, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if source != dir || cfg.Server.Name != "envnode" {
		t.Fatalf("source=%q name=%q", source, cfg.Server.Name)
	}
}

func TestLoadConfigReportsCandidates(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing"))
	wd, wdErr := os.Getwd()
	if wdErr != nil {
		t.Fatalf("getwd: %v", wdErr)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, _, err := loadConfig()
	if err == nil || !strings.Contains(err.Error(), defaultConfigPath) {
		t.Fatalf("loadConfig err = %v", err)
	}
}

func TestSleepWithContext(t *testing.T) {
	if !sleepWithContext(context.Background(), time.Millisecond) {
		t.Fatalf("sleep with live context returned false")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepWithContext(ctx, time.Hour) {
		t.Fatalf("sleep with canceled context returned true")
	}
}

func TestRunGroupReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := runGroup(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		func(context.Context) error { return boom },
		nil,
	)
	if !errors.Is(err, boom) {
		t.Fatalf("runGroup err = %v, want boom", err)
	}
}

func TestNodeServesStatus(t *testing.T) {
	n, err := newNode(testConfig(t), newLogFanout(nil, nil))
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	defer n.Close()
	if err := n.server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.DialTimeout("tcp", n.server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("STATUS s1\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var body []string
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v (got %q)", err, body)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "s1 END" {
			break
		}
		body = append(body, line)
	}
	joined := strings.Join(body, "\n")
	for _, want := range []string{"s1 Pool: workers=", "s1 Spans: channels=0", "s1 Blocks: in_use=0/16", "s1 Archive: writer_drops=0"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("STATUS missing %q:\n%s", want, joined)
		}
	}
}

func TestNodeRunStopsOnCancel(t *testing.T) {
	n, err := newNode(testConfig(t), newLogFanout(nil, nil))
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestNewNodeRejectsBadRestrictPattern(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Enabled = false
	cfg.Restrict.Patterns = []string{"NET.[STA"}
	if _, err := newNode(cfg, newLogFanout(nil, nil)); err == nil {
		t.Fatalf("expected bad pattern to fail")
	}
}
