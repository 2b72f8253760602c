package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCtxMergesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core).Sugar())

	ctx := WithFields(context.Background(), "session.id", "s1")
	ctx = WithFields(ctx, "user.id", "u1")
	Ctx(ctx, l).Infow("hello", "k", "v")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries: want=1 got=%d", len(entries))
	}
	fields := entries[0].ContextMap()
	for k, want := range map[string]string{"session.id": "s1", "user.id": "u1", "k": "v"} {
		if got, _ := fields[k].(string); got != want {
			t.Fatalf("field %s: want=%s got=%v", k, want, fields[k])
		}
	}
}

func TestNopAndSetLogger(t *testing.T) {
	if got := Nop().With("a", 1); got == nil {
		t.Fatal("Nop().With returned nil")
	}
	core, logs := observer.New(zap.InfoLevel)
	SetLogger(FromZap(zap.New(core).Sugar()))
	defer SetLogger(nil)

	GetLogger().Infow("via global")
	if logs.Len() != 1 {
		t.Fatalf("global logger entries: want=1 got=%d", logs.Len())
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicesession.log")
	l, err := New(Options{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debugw("file sink check", "n", 1)
	_ = l.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "file sink check") {
		t.Fatalf("log file missing entry: %s", b)
	}
}

func TestSessionFields(t *testing.T) {
	got := SessionFields("abc", "")
	if len(got) != 2 || got[1] != "abc" {
		t.Fatalf("SessionFields without user: got=%v", got)
	}
	got = SessionFields("abc", "u")
	if len(got) != 4 || got[3] != "u" {
		t.Fatalf("SessionFields with user: got=%v", got)
	}
}
