package batch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wechat-archiver/internal/batch"
	"wechat-archiver/internal/config"
	"wechat-archiver/internal/download"
	"wechat-archiver/internal/event"
	"wechat-archiver/internal/feeds"
	"wechat-archiver/internal/fetch"
	"wechat-archiver/internal/model"
	"wechat-archiver/internal/store"
	"wechat-archiver/internal/wx"
)

var now = time.Date(2024, 6, 12, 10, 0, 0, 0, time.Local)

const page = `<html><head><meta name="author" content="作者"></head><body>
<h1 id="activity-name">%s</h1><strong id="js_name">公号</strong>
<div id="js_content"><p>正文内容，足够长的一段文字。</p><p><img data-src="%s/img/a.png"></p></div>
</body></html>`

const challenge = `<html><head><title>环境异常</title></head><body><div class="weui-msg__title">环境异常</div></body></html>`

type upstream struct {
	*httptest.Server
	articles  atomic.Int32
	images    atomic.Int32
	feed      func(w http.ResponseWriter, r *http.Request)
	challenge bool
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/mp/profile_ext", func(w http.ResponseWriter, r *http.Request) {
		u.feed(w, r)
	})
	mux.HandleFunc("/s/", func(w http.ResponseWriter, r *http.Request) {
		u.articles.Add(1)
		if u.challenge {
			_, _ = w.Write([]byte(challenge))
			return
		}
		title := "文章" + strings.TrimPrefix(r.URL.Path, "/s/")
		_, _ = fmt.Fprintf(w, page, title, u.URL)
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		u.images.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	})
	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

func envelope(base string, entries map[string]time.Time, order []string) string {
	var list []map[string]any
	for _, id := range order {
		list = append(list, map[string]any{
			"comm_msg_info": map[string]any{"id": 1, "datetime": entries[id].Unix()},
			"app_msg_ext_info": map[string]any{
				"title": "文章" + id, "content_url": base + "/s/" + id, "author": "作者",
			},
		})
	}
	inner, _ := json.Marshal(map[string]any{"list": list})
	out, _ := json.Marshal(map[string]any{
		"ret": 0, "errmsg": "ok", "can_msg_continue": 1, "next_offset": 10,
		"general_msg_list": string(inner),
	})
	return string(out)
}

func coordinator(t *testing.T, u *upstream, mutate func(*config.Config)) (*batch.Coordinator, *event.Recorder) {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.SavePath = filepath.Join(dir, "out")
	cfg.TmpPath = filepath.Join(dir, "tmp")
	cfg.IndexFile = filepath.Join(dir, "index.json")
	cfg.Database.DSN = filepath.Join(dir, "wx.db")
	cfg.Formats.Audio = false
	cfg.BatchLimit = 2
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cl, err := fetch.New(fetch.Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	rec := &event.Recorder{}
	return &batch.Coordinator{
		Cfg:     &cfg,
		Client:  cl,
		Ep:      wx.Endpoints{Profile: u.URL + "/mp/profile_ext"},
		Emitter: rec,
		Sleep:   func(context.Context, time.Duration) error { return nil },
		Now:     func() time.Time { return now },
	}, rec
}

var sess = &model.Session{Biz: "b", Key: "k", Uin: "u"}

func TestRun_FeedStopsAtOutOfRangeEntry(t *testing.T) {
	u := newUpstream(t)
	var pages atomic.Int32
	u.feed = func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		_, _ = w.Write([]byte(envelope(u.URL, map[string]time.Time{
			"1": now.Add(-time.Hour),
			"2": now.AddDate(0, 0, -1),
			"3": now.AddDate(0, 0, -2),
			"4": now.AddDate(0, -1, 0),
		}, []string{"1", "2", "3", "4"})))
	}
	c, rec := coordinator(t, u, nil)

	m, err := c.Run(context.Background(), batch.Request{Mode: batch.ModeFeed, Session: sess})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if pages.Load() != 1 || u.articles.Load() != 3 {
		t.Fatalf("pages=%d articles=%d", pages.Load(), u.articles.Load())
	}
	if m.Stats.Total != 3 || m.Stats.Done != 3 {
		t.Fatalf("stats = %+v", m.Stats)
	}
	// 同一张图只下载一次
	if u.images.Load() != 1 {
		t.Fatalf("image fetches = %d", u.images.Load())
	}
	for _, r := range m.Articles {
		if r.Images != 1 {
			t.Fatalf("result = %+v", r)
		}
		if _, err := os.Stat(filepath.Join(r.Dir, "img", "1.png")); err != nil {
			t.Fatalf("local image missing: %v", err)
		}
	}

	evs := rec.Events()
	if evs[0].Kind != event.Start || evs[len(evs)-1].Kind != event.Close {
		t.Fatalf("first=%s last=%s", evs[0].Kind, evs[len(evs)-1].Kind)
	}
	done := rec.Of(event.BatchDone)
	if len(done) != 1 || !strings.HasPrefix(done[0].Message, "批量下载完成，共3篇文章，耗时") || done[0].Stats.Done != 3 {
		t.Fatalf("batch done = %+v", done)
	}
	if len(rec.Of(event.ArticleDone)) != 3 {
		t.Fatalf("article done = %d", len(rec.Of(event.ArticleDone)))
	}
	if _, err := os.Stat(c.Cfg.IndexFile); err != nil {
		t.Fatalf("index not written: %v", err)
	}
}

func TestRun_FeedFailureIsReported(t *testing.T) {
	u := newUpstream(t)
	u.feed = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ret":-3,"errmsg":"no session"}`))
	}
	c, rec := coordinator(t, u, nil)
	_, err := c.Run(context.Background(), batch.Request{Mode: batch.ModeFeed, Session: sess})
	if !errors.Is(err, feeds.ErrFeed) {
		t.Fatalf("want ErrFeed, got %v", err)
	}
	f := rec.Of(event.Fail)
	if len(f) != 1 || !strings.HasPrefix(f[0].Message, "获取文章列表失败") {
		t.Fatalf("fail = %+v", f)
	}
	if len(rec.Of(event.Close)) != 1 {
		t.Fatal("close not emitted")
	}
}

func TestRun_BlockedAbortsRemainingWork(t *testing.T) {
	u := newUpstream(t)
	u.challenge = true
	c, rec := coordinator(t, u, func(cfg *config.Config) {
		cfg.ThreadType = config.ThreadSingle
		cfg.AntiBot.Retries = 0
	})
	m, err := c.Run(context.Background(), batch.Request{
		Mode: batch.ModeSelect,
		URLs: []string{u.URL + "/s/1", u.URL + "/s/2", u.URL + "/s/1", u.URL + "/s/3"},
	})
	if !errors.Is(err, download.ErrBlocked) {
		t.Fatalf("want ErrBlocked, got %v", err)
	}
	if u.articles.Load() != 1 || m.Stats.Total != 1 || m.Articles[0].Outcome != model.OutcomeBlocked {
		t.Fatalf("articles=%d manifest=%+v", u.articles.Load(), m)
	}
	var hinted bool
	for _, e := range rec.Of(event.Fail) {
		hinted = hinted || strings.Contains(e.Message, "DL_INTERVAL")
	}
	if !hinted {
		t.Fatalf("fail events = %+v", rec.Of(event.Fail))
	}
}

func TestRun_DatabaseModeRendersWithoutRefetch(t *testing.T) {
	u := newUpstream(t)
	c, rec := coordinator(t, u, func(cfg *config.Config) {
		cfg.Source = config.SourceDB
		cfg.Formats.DB = true
		cfg.Formats.Img = false
		cfg.Comment = true
	})
	ctx := context.Background()
	st, err := store.Open(ctx, store.DialectSQLite, c.Cfg.Database.DSN, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dt := now.AddDate(0, 0, -1)
	row := store.Article{
		Title:      "库中文章",
		Content:    fmt.Sprintf(page, "库中文章", u.URL),
		ContentURL: u.URL + "/s/db",
		CreateTime: dt,
		Comm:       `[{"content_id":"1","nick_name":"甲","content":"好"}]`,
		MDContent:  "保留",
	}
	if err := st.UpsertArticle(ctx, row); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = st.Close()

	m, err := c.Run(ctx, batch.Request{Mode: batch.ModeDB})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if u.articles.Load() != 0 || m.Stats.Done != 1 {
		t.Fatalf("articles=%d stats=%+v", u.articles.Load(), m.Stats)
	}
	var counted bool
	for _, e := range rec.Of(event.Success) {
		counted = counted || e.Message == "数据库中共1篇文章，下载范围内1篇"
	}
	if !counted {
		t.Fatalf("success events = %+v", rec.Of(event.Success))
	}
	b, err := os.ReadFile(filepath.Join(m.Articles[0].Dir, "库中文章.md"))
	if err != nil {
		t.Fatalf("read md: %v", err)
	}
	if !strings.Contains(string(b), "精选留言") {
		t.Fatalf("stored comments not rendered:\n%s", b)
	}

	st, err = store.Open(ctx, store.DialectSQLite, c.Cfg.Database.DSN, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	rows, err := st.ListArticles(ctx, dt.Add(-time.Hour), dt.Add(time.Hour))
	if err != nil || len(rows) != 1 || rows[0].MDContent != "保留" {
		t.Fatalf("row rewritten: %+v err=%v", rows, err)
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	u := newUpstream(t)
	c, rec := coordinator(t, u, nil)
	if _, err := c.Run(context.Background(), batch.Request{Mode: batch.ModeFeed}); err == nil {
		t.Fatal("feed without session should fail")
	}
	if len(rec.Of(event.Fail)) != 1 || len(rec.Of(event.Close)) != 1 {
		t.Fatalf("events = %+v", rec.Events())
	}
	if _, err := batch.ParseMode("epub"); err == nil {
		t.Fatal("unknown mode accepted")
	}
}
