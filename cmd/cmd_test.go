package cmd

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/nextlevelbuilder/botlink/internal/config"
	"github.com/nextlevelbuilder/botlink/internal/store"
)

func TestRedactConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.APIKey = "sk-abcdefghijklmnop"
	cfg.Server.Token = "short"
	cfg.Store.PostgresDSN = "postgres://u:secret@db:5432/botlink"
	cfg.Telemetry.Headers = map[string]string{"authorization": "Bearer x"}

	raw := redactConfig(cfg)
	be := raw["backend"].(map[string]any)
	if got := be["apiKey"]; got != "sk-a****mnop" {
		t.Errorf("apiKey = %v, want sk-a****mnop", got)
	}
	if got := raw["server"].(map[string]any)["token"]; got != "****" {
		t.Errorf("token = %v, want ****", got)
	}
	if got := raw["store"].(map[string]any)["postgresDsn"]; got == cfg.Store.PostgresDSN {
		t.Error("postgresDsn not redacted")
	}
	hdr := raw["telemetry"].(map[string]any)["headers"].(map[string]any)
	if hdr["authorization"] != "****" {
		t.Errorf("header = %v, want ****", hdr["authorization"])
	}
	if be["timeoutMs"] != float64(15000) {
		t.Errorf("timeoutMs = %v, non-secret fields must survive", be["timeoutMs"])
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":             "(not configured)",
		"abc":          "***",
		"abcdefghijkl": "abcd****ijkl",
	}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Polling.IntervalMs = 2000
	cfg.Push.MaxReconnects = 3

	cc := coordinatorConfig(cfg, "wss://bots.example.com/push")
	if cc.Poller.Interval != 2*time.Second {
		t.Errorf("interval = %v, want 2s", cc.Poller.Interval)
	}
	if cc.Poller.MaxDuration != 5*time.Minute {
		t.Errorf("max duration = %v, want 5m", cc.Poller.MaxDuration)
	}
	if cc.Listener.URL != "wss://bots.example.com/push" || cc.Listener.MaxReconnects != 3 {
		t.Errorf("listener = %+v", cc.Listener)
	}
	if cc.PairingDebounce != 500*time.Millisecond {
		t.Errorf("pairing debounce = %v, want 500ms", cc.PairingDebounce)
	}

	cfg.Push.Disabled = true
	if cc := coordinatorConfig(cfg, "wss://bots.example.com/push"); cc.Listener.URL != "" {
		t.Errorf("listener URL = %q, want empty when push is disabled", cc.Listener.URL)
	}
}

func TestOpenAttemptStore_None(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "none"
	st, err := openAttemptStore(t.Context(), cfg)
	if err != nil || st != nil {
		t.Errorf("openAttemptStore = %v, %v, want nil, nil", st, err)
	}
}

func TestOpenAttemptStore_File(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "attempts.json")
	st, err := openAttemptStore(t.Context(), cfg)
	if err != nil {
		t.Fatalf("openAttemptStore: %v", err)
	}
	defer st.Close()
}

func TestValidateBackendURL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://bots.example.com", true},
		{"http://127.0.0.1:8080/api", true},
		{"bots.example.com", false},
		{"ftp://bots.example.com", false},
		{"https://", false},
		{"", false},
	}
	for _, tt := range tests {
		if err := validateBackendURL(tt.in); (err == nil) != tt.want {
			t.Errorf("validateBackendURL(%q) = %v, want ok=%v", tt.in, err, tt.want)
		}
	}
}

func TestIDValidator(t *testing.T) {
	v := idValidator("target ID")
	if err := v("bot-1"); err != nil {
		t.Errorf("bot-1: %v", err)
	}
	if err := v(""); err == nil {
		t.Error("empty ID accepted")
	}
	if err := v(strings.Repeat("x", store.MaxIDLength+1)); err == nil {
		t.Error("overlong ID accepted")
	}
}

func TestRequired(t *testing.T) {
	if err := required("Postgres DSN")(""); err == nil || !strings.Contains(err.Error(), "Postgres DSN") {
		t.Errorf("err = %v, want mention of Postgres DSN", err)
	}
	if err := required("Postgres DSN")("postgres://x"); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestWriteSecrets_MergesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("OTHER=keep\nBOTLINK_API_KEY=old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeSecrets(path, "new-key", "tok", ""); err != nil {
		t.Fatalf("writeSecrets: %v", err)
	}
	env, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env["OTHER"] != "keep" || env["BOTLINK_API_KEY"] != "new-key" || env["BOTLINK_API_TOKEN"] != "tok" {
		t.Errorf("env = %v", env)
	}
	if _, ok := env["BOTLINK_POSTGRES_DSN"]; ok {
		t.Error("empty DSN was written")
	}
	info, _ := os.Stat(path)
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %v, want 0600", perm)
	}
}

func TestWriteCodeImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(1, 1, color.Black)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	path, err := writeCodeImage(base64.StdEncoding.EncodeToString(buf.Bytes()), "png")
	if err != nil {
		t.Fatalf("writeCodeImage: %v", err)
	}
	defer os.Remove(path)
	if filepath.Ext(path) != ".png" {
		t.Errorf("path = %s, want .png", path)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("written file is not a PNG: %v", err)
	}
}
