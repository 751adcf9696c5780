package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("ARC_NOSQL_STORAGE_TABLE_BACKEND", "memory")
	t.Setenv("ARC_NOSQL_OBSERVABILITY_LOG_LEVEL", "error")

	root := newRootCmd(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestEventsAppend(t *testing.T) {
	out, err := execute(t, "", "events", "append", "alice", "bafy1", "-i", "schema=post", "-o", "json")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, `"watermark": 1`) {
		t.Errorf("output = %s", out)
	}
}

func TestEventsListEmpty(t *testing.T) {
	out, err := execute(t, "", "events", "list", "alice")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "(none)\n" {
		t.Errorf("output = %q", out)
	}
}

func TestMessagesPutFromStdin(t *testing.T) {
	out, err := execute(t, "hello", "messages", "put", "alice", "bafy1", "-", "-i", "messageTimestamp=2024-01-01")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "stored") || !strings.Contains(out, "bytes: 5") {
		t.Errorf("output = %q", out)
	}
}

func TestTasksRegisterAndGrabFlags(t *testing.T) {
	out, err := execute(t, `{"op":"sync"}`, "tasks", "register", "-", "--after", "0", "-o", "yaml")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "retry_count: 0") {
		t.Errorf("output = %s", out)
	}
}

func TestQueryRejectsBadFilter(t *testing.T) {
	if _, err := execute(t, "", "messages", "query", "alice", "--filter", "nonsense"); err == nil {
		t.Fatal("expected filter error")
	}
}

func TestClearNeedsConfirmation(t *testing.T) {
	_, err := execute(t, "", "clear", "events")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("execute = %v", err)
	}
	out, err := execute(t, "", "clear", "all", "--yes")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "cleared") {
		t.Errorf("output = %q", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out, "arc-nosql dev") {
		t.Errorf("output = %q", out)
	}
}
