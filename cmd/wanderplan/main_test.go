package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestRunUsageAndVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out, &out, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Usage: wanderplan") {
		t.Errorf("usage = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), nil, &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version json: %v (%q)", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunArgumentErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bogus"}, "unknown command"},
		{[]string{"-x"}, "unknown flag"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"ask"}, "usage: wanderplan ask"},
		{[]string{"search"}, "usage: wanderplan search"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), nil, &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

// fakeOllama answers /api/chat with one scripted NDJSON reply per call.
func fakeOllama(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		reply := `{"model":"qwen3:8b","message":{"role":"assistant","content":"Done."},"done":true}`
		if n < len(replies) {
			reply = replies[n]
		}
		n++
		mu.Unlock()
		w.Write([]byte(reply + "\n"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, ollamaURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := "data_dir: " + filepath.Join(dir, "db") + "\n" +
		"log_level: error\n" +
		"models:\n" +
		"  default: qwen3:8b\n" +
		"  ollama_url: " + ollamaURL + "\n" +
		"  available:\n" +
		"    - name: qwen3:8b\n" +
		"      provider: ollama\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAskRunsTurn(t *testing.T) {
	srv := fakeOllama(t,
		`{"model":"qwen3:8b","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"add_hotel","arguments":{"name":"Aman Kyoto","nights":2,"pricePerNight":1200}}}]},"done":true}`,
		`{"model":"qwen3:8b","message":{"role":"assistant","content":"Booked the Aman."},"done":true}`,
	)
	cfgPath := writeConfig(t, srv.URL)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{"-config", cfgPath, "ask", "find", "a", "hotel"})
	if err != nil {
		t.Fatalf("ask: %v (stderr %q)", err, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "Booked the Aman.") {
		t.Errorf("stdout missing reply: %q", out)
	}
	if !strings.Contains(out, "Aman Kyoto") {
		t.Errorf("stdout missing trip summary: %q", out)
	}
}

func TestAskPromptsForConfirmation(t *testing.T) {
	srv := fakeOllama(t,
		`{"model":"qwen3:8b","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"remove_hotel","arguments":{"id":"hotel_abc"}}}]},"done":true}`,
		`{"model":"qwen3:8b","message":{"role":"assistant","content":"Kept it."},"done":true}`,
	)
	cfgPath := writeConfig(t, srv.URL)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader("n\n"), &stdout, &stderr, []string{"-config", cfgPath, "ask", "drop", "the", "hotel"})
	if err != nil {
		t.Fatalf("ask: %v (stderr %q)", err, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "Allow remove_hotel") {
		t.Errorf("no confirmation prompt: %q", out)
	}
	if !strings.Contains(out, "Kept it.") {
		t.Errorf("turn did not resume: %q", out)
	}
}
