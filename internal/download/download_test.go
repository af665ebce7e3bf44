package download_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wechat-archiver/internal/assets"
	"wechat-archiver/internal/config"
	"wechat-archiver/internal/download"
	"wechat-archiver/internal/event"
	"wechat-archiver/internal/fetch"
	"wechat-archiver/internal/model"
	"wechat-archiver/internal/rules"
	"wechat-archiver/internal/sink"
	"wechat-archiver/internal/wx"
)

const articlePage = `<html><head><title>t</title><meta name="author" content="作者甲"></head><body>
<h1 id="activity-name"> %TITLE% </h1>
<strong id="js_name"> 公号甲 </strong>
<div id="js_content">
<p>第一段，内容足够长，用于正文识别。</p>
<p><img data-src="https://mmbiz.qpic.cn/a.png?wx_fmt=png"></p>
</div>
<script>var create_time = "1717977600" * 1;</script>
</body></html>`

const challengePage = `<html><head><title>环境异常</title></head><body><div class="weui-msg__title">环境异常</div></body></html>`

type site struct {
	*httptest.Server
	hits      atomic.Int32
	challenge atomic.Int32 // 前 N 次返回验证页
	query     atomic.Value
}

func newSite(t *testing.T, title string) *site {
	t.Helper()
	s := &site{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.hits.Add(1)
		s.query.Store(r.URL.RawQuery)
		if n <= s.challenge.Load() {
			_, _ = w.Write([]byte(challengePage))
			return
		}
		_, _ = w.Write([]byte(strings.ReplaceAll(articlePage, "%TITLE%", title)))
	}))
	t.Cleanup(s.Close)
	return s
}

type sleeps struct {
	calls []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func newDownloader(t *testing.T, mutate func(*config.Config)) (*download.Downloader, *event.Recorder, *sleeps) {
	t.Helper()
	cfg := config.Default()
	cfg.SavePath = t.TempDir()
	cfg.TmpPath = t.TempDir()
	cfg.Interval = time.Second
	cfg.AntiBot.Cooldown = time.Minute
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	rl, err := rules.Parse(cfg.FilterRule)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	cl, err := fetch.New(fetch.Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	rec := &event.Recorder{}
	sl := &sleeps{}
	d := &download.Downloader{
		Cfg:     &cfg,
		Client:  cl,
		Rules:   rl,
		Sinks:   []sink.Sink{sink.Markdown{}, sink.HTML{}},
		Run:     download.NewRunContext(),
		Emitter: rec,
		Sleep:   sl.sleep,
	}
	return d, rec, sl
}

func TestDownload_WritesOutputs(t *testing.T) {
	s := newSite(t, "普通文章")
	d, rec, sl := newDownloader(t, nil)
	a := &model.Article{ContentURL: s.URL + "/s?__biz=b&mid=1", Session: &model.Session{Biz: "b", Key: "k1", Uin: "u1"}}

	outcome, err := d.Download(context.Background(), a)
	if err != nil || outcome != model.OutcomeDone {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if q, _ := s.query.Load().(string); !strings.Contains(q, "key=k1") || !strings.Contains(q, "uin=u1") {
		t.Fatalf("query = %q", q)
	}
	if len(sl.calls) != 1 || sl.calls[0] != time.Second {
		t.Fatalf("sleeps = %v", sl.calls)
	}
	if a.Title != "普通文章" || a.Author != "作者甲" || a.Datetime.Unix() != 1717977600 {
		t.Fatalf("backfill = %+v", a)
	}

	dir := download.SaveDir(d.Cfg.SavePath, "", "普通文章", a.Datetime)
	b, err := os.ReadFile(filepath.Join(dir, "普通文章.html"))
	if err != nil {
		t.Fatalf("read html: %v", err)
	}
	out := string(b)
	for _, want := range []string{"<h1>普通文章</h1>", "原文地址：", `class="meta-div"`, "公号:公号甲", "第一段"} {
		if !strings.Contains(out, want) {
			t.Fatalf("html missing %q", want)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "普通文章.md")); err != nil {
		t.Fatalf("markdown not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(download.TmpDir(d.Cfg.TmpPath, a.ContentURL), download.SourceFile)); err != nil {
		t.Fatalf("source.html not kept: %v", err)
	}

	want := "【普通文章】下载完成，共1张图，url：" + a.ContentURL
	var found bool
	for _, e := range rec.Of(event.Success) {
		found = found || e.Message == want
	}
	if !found {
		t.Fatalf("events = %+v", rec.Events())
	}
	done := rec.Of(event.ArticleDone)
	if len(done) != 1 || done[0].Article.Outcome != model.OutcomeDone || done[0].Article.Dir != dir {
		t.Fatalf("article done = %+v", done)
	}
	if rs := d.Run.Results(); len(rs) != 1 || rs[0].Images != 1 || rs[0].Title != "普通文章" {
		t.Fatalf("results = %+v", rs)
	}
	if d.Run.Account() != "公号甲" {
		t.Fatalf("account = %q", d.Run.Account())
	}
}

func TestDownload_SkipExistingIsIdempotent(t *testing.T) {
	s := newSite(t, "重复文章")
	d, rec, _ := newDownloader(t, nil)
	u := s.URL + "/s?mid=2"

	if outcome, err := d.Download(context.Background(), &model.Article{ContentURL: u}); err != nil || outcome != model.OutcomeDone {
		t.Fatalf("first: %s %v", outcome, err)
	}
	md := filepath.Join(download.SaveDir(d.Cfg.SavePath, "", "重复文章", time.Unix(1717977600, 0)), "重复文章.md")
	before, err := os.Stat(md)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	// 标题已知：不发请求直接跳过
	hits := s.hits.Load()
	outcome, err := d.Download(context.Background(), &model.Article{ContentURL: u, Title: "重复文章", Datetime: time.Unix(1717977600, 0)})
	if err != nil || outcome != model.OutcomeSkipped || s.hits.Load() != hits {
		t.Fatalf("second: %s %v hits=%d", outcome, err, s.hits.Load())
	}
	// 标题未知：抓取后在建目录前跳过
	if outcome, _ := d.Download(context.Background(), &model.Article{ContentURL: u}); outcome != model.OutcomeSkipped {
		t.Fatalf("third: %s", outcome)
	}
	after, _ := os.Stat(md)
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatal("skipped article rewrote its files")
	}
	var skipped int
	for _, e := range rec.Of(event.Success) {
		if e.Message == "【重复文章】已存在，跳过此文章" {
			skipped++
		}
	}
	if skipped != 2 {
		t.Fatalf("skip events = %d", skipped)
	}
}

func TestDownload_Filtered(t *testing.T) {
	cases := []struct {
		title string
		rule  string
	}{
		{"今日广告推广", `{"titleExclude":["广告"]}`},
		{"随笔", `{"titleInclude":["教程"]}`},
	}
	for _, tc := range cases {
		t.Run(tc.title, func(t *testing.T) {
			s := newSite(t, tc.title)
			d, _, _ := newDownloader(t, func(c *config.Config) { c.FilterRule = tc.rule })
			outcome, err := d.Download(context.Background(), &model.Article{ContentURL: s.URL + "/s"})
			if err != nil || outcome != model.OutcomeFiltered {
				t.Fatalf("outcome=%s err=%v", outcome, err)
			}
			entries, _ := os.ReadDir(d.Cfg.SavePath)
			if len(entries) != 0 {
				t.Fatalf("filtered article wrote %d entries", len(entries))
			}
		})
	}
}

func TestDownload_ChallengeRetriesThenSucceeds(t *testing.T) {
	s := newSite(t, "验证后")
	s.challenge.Store(2)
	d, _, sl := newDownloader(t, nil)

	outcome, err := d.Download(context.Background(), &model.Article{ContentURL: s.URL + "/s"})
	if err != nil || outcome != model.OutcomeDone {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if s.hits.Load() != 3 {
		t.Fatalf("hits = %d", s.hits.Load())
	}
	var cooldowns int
	for _, c := range sl.calls {
		if c == time.Minute {
			cooldowns++
		}
	}
	if cooldowns != 2 || len(sl.calls) != 5 {
		t.Fatalf("sleeps = %v", sl.calls)
	}
	if d.Run.Aborted() {
		t.Fatal("run should not be aborted")
	}
}

func TestDownload_ChallengeCeilingAbortsRun(t *testing.T) {
	s := newSite(t, "x")
	s.challenge.Store(100)
	d, rec, _ := newDownloader(t, func(c *config.Config) { c.AntiBot.Retries = 1 })

	outcome, err := d.Download(context.Background(), &model.Article{ContentURL: s.URL + "/s"})
	if !errors.Is(err, download.ErrBlocked) || outcome != model.OutcomeBlocked {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if s.hits.Load() != 2 || !d.Run.Aborted() {
		t.Fatalf("hits=%d aborted=%v", s.hits.Load(), d.Run.Aborted())
	}
	if len(rec.Of(event.Fail)) != 2 {
		t.Fatalf("fail events = %+v", rec.Of(event.Fail))
	}

	// 终止后的文章不再处理
	hits := s.hits.Load()
	if outcome, err := d.Download(context.Background(), &model.Article{ContentURL: s.URL + "/other"}); err != nil || outcome != model.OutcomeSkipped || s.hits.Load() != hits {
		t.Fatalf("after abort: %s %v", outcome, err)
	}
}

func TestDownload_FetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	d, rec, _ := newDownloader(t, func(c *config.Config) { c.Retry = 0 })
	outcome, err := d.Download(context.Background(), &model.Article{ContentURL: srv.URL + "/s", Title: "坏"})
	if err == nil || outcome != model.OutcomeFailed {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if f := rec.Of(event.Fail); len(f) != 1 || !strings.HasPrefix(f[0].Message, "【坏】下载失败：") {
		t.Fatalf("fail = %+v", f)
	}
	if rs := d.Run.Results(); len(rs) != 1 || rs[0].Outcome != model.OutcomeFailed || rs[0].Error == "" {
		t.Fatalf("results = %+v", rs)
	}
}

const posterPage = `<html><head><meta name="description" content="海边的一天"></head><body>
<div class="share_content_page"><div class="swiper"></div></div>
<script>
window.picture_page_info_list = [{cdn_url: '%BASE%/p1.jpg', width: 100},
{cdn_url: '%BASE%/p2.png?wx_fmt=png', width: 200}];
</script></body></html>`

func TestDownload_PosterLocalizesImages(t *testing.T) {
	var imgHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/s" {
			_, _ = w.Write([]byte(strings.ReplaceAll(posterPage, "%BASE%", "http://"+r.Host)))
			return
		}
		imgHits.Add(1)
		_, _ = w.Write([]byte("img" + r.URL.Path))
	}))
	defer srv.Close()

	d, rec, _ := newDownloader(t, nil)
	cache, err := assets.New(filepath.Join(d.Cfg.TmpPath, "assets"), d.Client, wx.Endpoints{})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	d.Assets = cache
	a := &model.Article{ContentURL: srv.URL + "/s"}

	outcome, err := d.Download(context.Background(), a)
	if err != nil || outcome != model.OutcomeDone {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	rs := d.Run.Results()
	if len(rs) != 1 || rs[0].Images != 2 || rs[0].Title != "海边的一天" {
		t.Fatalf("results = %+v", rs)
	}
	if imgHits.Load() != 2 {
		t.Fatalf("image fetches = %d", imgHits.Load())
	}
	for _, f := range []string{"img/1.jpg", "img/2.png"} {
		if _, err := os.Stat(filepath.Join(rs[0].Dir, filepath.FromSlash(f))); err != nil {
			t.Fatalf("missing %s: %v", f, err)
		}
	}
	want := "【海边的一天】下载完成，共2张图，url：" + a.ContentURL
	var found bool
	for _, e := range rec.Of(event.Success) {
		found = found || e.Message == want
	}
	if !found {
		t.Fatalf("success events = %+v", rec.Of(event.Success))
	}
}

func TestDirName(t *testing.T) {
	if got := download.DirName(` a/b\c:d*e?f"g<h>i|j.k l`); got != "abcdefghijkl" {
		t.Fatalf("DirName = %q", got)
	}
	long := strings.Repeat("字", 300)
	if got := download.DirName(long); len([]rune(got)) != 250 {
		t.Fatalf("len = %d", len([]rune(got)))
	}
	dt := time.Date(2024, 6, 10, 8, 0, 0, 0, time.Local)
	if got := download.SaveDir("/out", "公号", "标题", dt); got != filepath.Join("/out", "公号", "2024-06-10-标题") {
		t.Fatalf("SaveDir = %q", got)
	}
	if got := download.SaveDir("/out", "", "", time.Time{}); got != filepath.Join("/out", "无标题") {
		t.Fatalf("SaveDir = %q", got)
	}
}
