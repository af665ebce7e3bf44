package export_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wechat-archiver/internal/export"
	"wechat-archiver/internal/model"
)

func TestBuildAndWrite(t *testing.T) {
	started := time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
	now := started.Add(1500 * time.Millisecond)
	m := export.Build([]model.ArticleResult{
		{Title: "a", URL: "u1", Outcome: model.OutcomeDone, Images: 2},
		{Title: "b", URL: "u2", Outcome: model.OutcomeSkipped},
		{Title: "c", URL: "u3", Outcome: model.OutcomeFiltered},
		{Title: "d", URL: "u4", Outcome: model.OutcomeBlocked, Error: "blocked"},
		{Title: "e", URL: "u5", Outcome: model.OutcomeFailed},
	}, started, now)
	want := model.Stats{Total: 5, Done: 1, Skipped: 1, Filtered: 1, Failed: 2, Seconds: 1.5, UpdatedAt: now}
	if m.Stats != want {
		t.Fatalf("stats = %+v", m.Stats)
	}

	path := filepath.Join(t.TempDir(), "out", "index.json")
	if err := export.ToJSON(path, m); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got model.Manifest
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Articles) != 5 || got.Articles[0].Images != 2 || got.Stats.Done != 1 {
		t.Fatalf("manifest = %+v", got)
	}
}

func TestToJSON_EmptyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	if err := export.ToJSON(path, export.Build(nil, time.Time{}, time.Now())); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, _ := os.ReadFile(path)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil || string(raw["articles"]) != "[]" {
		t.Fatalf("articles = %s err=%v", raw["articles"], err)
	}
	if err := export.ToJSON("", model.Manifest{}); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}
