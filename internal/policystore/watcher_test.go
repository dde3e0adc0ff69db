package policystore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mlesin/proxy-twister/internal/epoch"
)

const validDoc = `{
	"switch": {"default": "direct", "rules": []},
	"profiles": {"direct": {"scheme": "direct"}}
}`

const validDocB = `{
	"switch": {"default": "A", "rules": []},
	"profiles": {"direct": {"scheme": "direct"}, "A": {"scheme": "socks5", "host": "127.0.0.1", "port": 1080}}
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherReloadsOnWriteAndCancelsEpoch(t *testing.T) {
	DebounceWindow = 20 * time.Millisecond
	DebounceIdlePoll = 5 * time.Millisecond
	defer func() {
		DebounceWindow = 200 * time.Millisecond
		DebounceIdlePoll = 10 * time.Millisecond
	}()

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	writeFile(t, path, validDoc)

	initial, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatal(err)
	}
	cell := NewCell(initial)
	holder := epoch.NewHolder()
	oldToken := holder.Current()

	w := NewWatcher(path, cell, holder, nil, nil)
	shutdown := make(chan struct{})
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(shutdown) }()

	time.Sleep(30 * time.Millisecond) // let the watch install
	writeFile(t, path, validDocB)

	deadline := time.After(2 * time.Second)
	for {
		if cell.Load().Switch.Default == "A" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("policy was not swapped in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !oldToken.Cancelled() {
		t.Fatal("expected the pre-swap epoch token to be cancelled")
	}

	close(shutdown)
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

func TestWatcherKeepsPreviousPolicyOnParseFailure(t *testing.T) {
	DebounceWindow = 20 * time.Millisecond
	DebounceIdlePoll = 5 * time.Millisecond
	defer func() {
		DebounceWindow = 200 * time.Millisecond
		DebounceIdlePoll = 10 * time.Millisecond
	}()

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	writeFile(t, path, validDoc)

	initial, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatal(err)
	}
	cell := NewCell(initial)
	holder := epoch.NewHolder()

	w := NewWatcher(path, cell, holder, nil, nil)
	shutdown := make(chan struct{})
	defer close(shutdown)
	go w.Run(shutdown)

	time.Sleep(30 * time.Millisecond)
	writeFile(t, path, "{not json")
	time.Sleep(200 * time.Millisecond)

	if cell.Load().Switch.Default != "direct" {
		t.Fatal("expected the previous policy to survive a malformed reload")
	}
}
