package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [7]
  poll_timeout: "15s"
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: /var/lib/biliradar/radar.db
  delivery_retention: "720h"
watch:
  interval: "90s"
  max_concurrent: 5
bili:
  user_agent: "Mozilla/5.0"
  sessdata: "secret"
push:
  template: "{author}: {title}"
  admin_only: true
  allowlist: [8, 9]
  rate_per_sec: 2
`

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.PollTimeout != "15s" {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 7 {
		t.Errorf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Watch.Interval != "90s" || cfg.Watch.MaxConcurrent != 5 {
		t.Errorf("watch = %+v", cfg.Watch)
	}
	if !cfg.Push.AdminOnly || cfg.Push.RatePerSec != 2 || len(cfg.Push.Allowlist) != 2 {
		t.Errorf("push = %+v", cfg.Push)
	}
	if cfg.Bili.SessData != "secret" {
		t.Errorf("bili = %+v", cfg.Bili)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json",
		`{"telegram":{"token":"t","owner_user_ids":[]},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"storage":{"path":"x.db"},"watch":{},"bili":{},"push":{"admin_only":false},"status":{"enabled":true,"addr":"127.0.0.1:0"}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Status.Enabled || cfg.Status.Addr != "127.0.0.1:0" {
		t.Errorf("status = %+v", cfg.Status)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML+"\nsurprise: 1\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("Parse accepted an unknown top-level field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "config.json", `{"telegram":{"token":"t"}} {"more": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("Parse accepted trailing JSON")
	}
}

func TestParseDurationField(t *testing.T) {
	if _, err := ParseDurationField("x", "not-a-duration"); err == nil ||
		!strings.Contains(err.Error(), "x") {
		t.Errorf("ParseDurationField error = %v, want field name in message", err)
	}
	d, err := ParseDurationField("x", "90s")
	if err != nil || d != 90*time.Second {
		t.Errorf("ParseDurationField = %v, %v", d, err)
	}

	d, err = ParseDurationOrDefault("x", "", 2*time.Minute)
	if err != nil || d != 2*time.Minute {
		t.Errorf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "bogus", time.Second); err == nil {
		t.Error("ParseDurationOrDefault accepted a bad value")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	next := *m.Get()
	next.Watch.Interval = "300s"
	m.Commit(&next)
	m.publish(&next)

	select {
	case got := <-sub:
		if got.Watch.Interval != "300s" {
			t.Errorf("published interval = %q", got.Watch.Interval)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the publish")
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
}
