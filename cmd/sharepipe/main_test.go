package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	runcmd "github.com/rzbill/sharepipe/internal/cmd/run"
)

func TestTopicsEnsureLocal(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"topics", "ensure", "--log-level", "error"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "iot-alerts") || !strings.Contains(out.String(), "cohort-load") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestSeedCommandNeedsDataDir(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"seed", "--log-level", "error"})
	err := root.Execute()
	if !errors.Is(err, runcmd.ErrEphemeralSeed) {
		t.Fatalf("err = %v", err)
	}
}

func TestSeedCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"seed", "--log-level", "error", "--data-dir", t.TempDir()})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "published 4 update events") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestInvalidFlagsRejected(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"seed", "--transport", "carrier-pigeon"})
	if err := root.Execute(); err == nil {
		t.Fatalf("bad transport accepted")
	}
}

func TestStatsCommand(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		_, _ = w.Write([]byte(`{"group":"g","available":1}`))
	}))
	defer srv.Close()

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"stats", "--url", srv.URL, "--topic", "iot-alerts", "--group", "alert-processor", "--dlq", "--limit", "5"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotPath != "/v1/topics/iot-alerts/groups/alert-processor/dlq?limit=5" {
		t.Fatalf("path = %s", gotPath)
	}
	if !strings.Contains(out.String(), `"available":1`) {
		t.Fatalf("output = %q", out.String())
	}
}
