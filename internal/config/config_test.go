package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wechat-archiver/internal/config"
)

func TestConfig_DefaultsAndValidate(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "c.yaml")
	_ = os.WriteFile(f, []byte("DL_INTERVAL: 2s\nFORMATS:\n  pdf: true\n"), 0644)
	c, err := config.Load(f)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.SkipExisting || !c.SaveMeta || !c.SourceURL {
		t.Fatalf("bool defaults lost: %+v", c)
	}
	if c.Scope != config.ScopeWeek || c.BatchLimit != 10 {
		t.Fatalf("scope/batch defaults: %s %d", c.Scope, c.BatchLimit)
	}
	if c.Interval != 2*time.Second {
		t.Fatalf("interval = %v", c.Interval)
	}
	if !c.Formats.PDF || !c.Formats.HTML {
		t.Fatalf("formats merge failed: %+v", c.Formats)
	}
	if c.Database.Type != "sqlite" || c.Database.Table != "wx_article" {
		t.Fatalf("db defaults: %+v", c.Database)
	}
	if c.AntiBot.Retries != config.DefaultChallengeRetries || c.AntiBot.Cooldown != config.DefaultChallengeCooldown {
		t.Fatalf("anti-bot defaults: %+v", c.AntiBot)
	}

	_ = os.WriteFile(f, []byte("SKIP_EXIST: false\nBATCH_LIMIT: -1\n"), 0644)
	if _, err := config.Load(f); err == nil {
		t.Fatalf("expect error for negative BATCH_LIMIT")
	}
	_ = os.WriteFile(f, []byte("DL_SCOPE: year\n"), 0644)
	if _, err := config.Load(f); err == nil {
		t.Fatalf("expect error for unknown scope")
	}
	_ = os.WriteFile(f, []byte("DATABASE:\n  type: postgres\nFORMATS:\n  db: true\n"), 0644)
	if _, err := config.Load(f); err == nil {
		t.Fatalf("expect error for postgres without dsn")
	}
}

func TestConfig_DateRange(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	c := config.Default()

	c.Scope = config.ScopeToday
	s, e := c.DateRange(now)
	if !s.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("today start = %v", s)
	}
	if !e.Equal(time.Date(2024, 3, 15, 23, 59, 59, 0, time.UTC)) {
		t.Fatalf("today end = %v", e)
	}

	c.Scope = config.ScopeWeek
	s, _ = c.DateRange(now)
	if !s.Equal(time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("week start = %v", s)
	}

	c.Scope = config.ScopeMonth
	s, _ = c.DateRange(now)
	if !s.Equal(time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("month start = %v", s)
	}

	c.Scope = config.ScopeDIY
	c.StartDate = "2023-01-01"
	c.EndDate = "2023-02-01"
	s, e = c.DateRange(now)
	if !s.Equal(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)) || !e.Equal(time.Date(2023, 2, 1, 23, 59, 59, 0, time.UTC)) {
		t.Fatalf("diy = %v..%v", s, e)
	}
}
