package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"waveserver/config"
)

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"2026-01-20.log", "2026-01-21.log", "2026-01-22.log", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := cleanupOldLogs(dir, now, 2); err != nil {
		t.Fatalf("cleanupOldLogs: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "2026-01-20.log")); !os.IsNotExist(err) {
		t.Fatalf("expected 2026-01-20.log to be removed, stat err = %v", err)
	}
	for _, name := range []string{"2026-01-21.log", "2026-01-22.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDailyFileSinkSwitchesFilesAtMidnight(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyFileSink(dir, 7)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	defer sink.Close()

	day1 := time.Date(2026, time.January, 22, 23, 59, 59, 0, time.UTC)
	sink.WriteLine("first", day1)
	sink.WriteLine("second", day1.Add(2*time.Second))

	for name, want := range map[string]string{
		"2026-01-22.log": "2026/01/22 23:59:59.000 first\n",
		"2026-01-23.log": "2026/01/23 00:00:01.000 second\n",
	} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}
}

type captureSink struct{ lines []string }

func (c *captureSink) WriteLine(line string, _ time.Time) { c.lines = append(c.lines, line) }
func (c *captureSink) Close() error                       { return nil }

func TestLogFanoutSplitsLines(t *testing.T) {
	console, file := &captureSink{}, &captureSink{}
	fanout := newLogFanout(console, file)

	_, _ = fanout.Write([]byte("one\r\ntw"))
	_, _ = fanout.Write([]byte("o\n"))
	fanout.WriteFileOnlyLine("status only")

	if got := strings.Join(console.lines, "|"); got != "one|two" {
		t.Fatalf("console lines = %q", got)
	}
	if got := strings.Join(file.lines, "|"); got != "one|two|status only" {
		t.Fatalf("file lines = %q", got)
	}
}

func TestSetupLoggingWritesConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: dir, RetentionDays: 3}, &console, false)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	logger := log.New(fanout, "", 0)
	logger.Printf("server: listening on %s", ":16022")
	if err := fanout.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !strings.HasSuffix(console.String(), " server: listening on :16022\n") {
		t.Fatalf("console = %q", console.String())
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("log dir entries = %v, err = %v", entries, err)
	}
}

func TestSetupLoggingDisabledIsConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{}, &console, true)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	if fanout.file != nil {
		t.Fatalf("file sink installed while disabled")
	}
}
