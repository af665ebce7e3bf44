// 包 batch 负责一次运行的编排：
// - 按模式产生待下载文章（单篇/文章列表/数据库/选定链接/RSS）
// - 单线程逐篇下载，多线程按批量上限分批并发
// - 汇报 START / BATCH_DONE / CLOSE 等事件并导出清单
package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"wechat-archiver/internal/assets"
	"wechat-archiver/internal/comments"
	"wechat-archiver/internal/config"
	"wechat-archiver/internal/download"
	"wechat-archiver/internal/event"
	"wechat-archiver/internal/export"
	"wechat-archiver/internal/feeds"
	"wechat-archiver/internal/fetch"
	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/model"
	"wechat-archiver/internal/rules"
	"wechat-archiver/internal/sink"
	"wechat-archiver/internal/store"
	"wechat-archiver/internal/wx"
)

type Mode string

const (
	ModeOne    Mode = "one"
	ModeFeed   Mode = "feed"
	ModeDB     Mode = "db"
	ModeSelect Mode = "select"
	ModeRSS    Mode = "rss"
)

// ParseMode 校验运行模式。
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOne, ModeFeed, ModeDB, ModeSelect, ModeRSS:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported mode: %q", s)
	}
}

// Request 描述一次运行。
type Request struct {
	Mode     Mode           `json:"mode"`
	URL      string         `json:"url,omitempty"`      // one
	URLs     []string       `json:"urls,omitempty"`     // select
	Catalog  string         `json:"catalog,omitempty"`  // select：目录文章
	Selector string         `json:"selector,omitempty"` // select：目录链接选择器
	FeedURL  string         `json:"feedUrl,omitempty"`  // rss
	Session  *model.Session `json:"session,omitempty"`
}

// Validate 检查各模式必需的参数。
func (r Request) Validate() error {
	switch r.Mode {
	case ModeOne:
		if r.URL == "" {
			return errors.New("url is required")
		}
	case ModeFeed:
		if !r.Session.Valid() {
			return errors.New("session with __biz/key/uin is required")
		}
	case ModeSelect:
		if len(r.URLs) == 0 && r.Catalog == "" {
			return errors.New("urls or catalog is required")
		}
	case ModeRSS:
		if r.FeedURL == "" {
			return errors.New("feed url is required")
		}
	case ModeDB:
	default:
		return fmt.Errorf("unsupported mode: %q", r.Mode)
	}
	return nil
}

// Coordinator 持有一次运行所需的配置与共享依赖。
type Coordinator struct {
	Cfg     *config.Config
	Client  *fetch.Client
	Ep      wx.Endpoints
	Emitter event.Emitter
	// Acks 接收 PDF 渲染回执；为空时 PDF 输出不等待。
	Acks  *event.Acks
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// run 为单次运行的状态，运行结束即丢弃。
type run struct {
	*Coordinator
	req   Request
	em    event.Emitter
	rc    *download.RunContext
	dl    *download.Downloader
	store *store.Store
	start time.Time
	end   time.Time
}

// Run 执行一次运行：START → 下载 → BATCH_DONE → CLOSE，返回清单。
// 致命错误（连续验证页、文章列表失败、数据库失败）会先汇报 FAIL 再结束。
func (c *Coordinator) Run(ctx context.Context, req Request) (model.Manifest, error) {
	started := c.now()
	em := c.Emitter
	if em == nil {
		em = event.Discard
	}
	r := &run{Coordinator: c, req: req, em: em, rc: download.NewRunContext()}
	r.start, r.end = c.Cfg.DateRange(started)

	em.Emit(event.New(event.Start))
	err := r.prepare(ctx)
	if err == nil {
		err = r.dispatch(ctx)
	}
	if c.Acks != nil {
		if n := c.Acks.Pending(); n > 0 {
			logx.Warnf("仍有%d个PDF渲染请求未收到回执", n)
		}
	}
	if r.store != nil {
		if cerr := r.store.Close(); cerr != nil {
			logx.Warnf("关闭数据库失败：%v", cerr)
		}
	}
	if err != nil {
		r.report(err)
	}

	m := export.Build(r.rc.Results(), started, c.now())
	done := event.New(event.BatchDone)
	done.Message = fmt.Sprintf("批量下载完成，共%d篇文章，耗时%.2f秒", m.Stats.Total, m.Stats.Seconds)
	done.Stats = &m.Stats
	logx.Infof("%s", done.Message)
	em.Emit(done)
	if xerr := export.ToJSON(c.Cfg.IndexFile, m); xerr != nil {
		logx.Warnf("导出清单失败：%v", xerr)
	}
	em.Emit(event.New(event.Close))
	return m, err
}

// prepare 解析过滤规则、按需打开数据库，组装下载器。
func (r *run) prepare(ctx context.Context) error {
	cfg := r.Cfg
	if err := r.req.Validate(); err != nil {
		return err
	}
	rl, err := rules.Parse(cfg.FilterRule)
	if err != nil {
		return err
	}
	if cfg.NeedsDatabase() || r.req.Mode == ModeDB {
		st, err := store.Open(ctx, cfg.Database.Type, cfg.Database.DSN, cfg.Database.Table)
		if err != nil {
			return &dbError{msg: "数据库初始化失败", err: err}
		}
		r.store = st
	}
	cache, err := assets.New(filepath.Join(cfg.TmpPath, "assets"), r.Client, r.Ep)
	if err != nil {
		return err
	}
	var cm *comments.Fetcher
	if cfg.Comment {
		cm = comments.New(r.Client, r.Ep, cfg.CommentReply)
	}
	r.dl = &download.Downloader{
		Cfg:      cfg,
		Client:   r.Client,
		Assets:   cache,
		Comments: cm,
		Rules:    rl,
		Sinks:    Sinks(cfg, r.store, r.Acks, r.req.Mode != ModeDB),
		Run:      r.rc,
		Emitter:  r.em,
		Sleep:    r.Sleep,
	}
	return nil
}

func (r *run) dispatch(ctx context.Context) error {
	switch r.req.Mode {
	case ModeOne:
		_, _ = r.dl.Download(ctx, &model.Article{ContentURL: r.req.URL, Session: r.req.Session})
	case ModeFeed:
		pc := &feeds.ProfileCrawler{
			Client:  r.Client,
			Ep:      r.Ep,
			Limit:   r.Cfg.BatchLimit,
			Emitter: r.em,
			Aborted: r.rc.Aborted,
		}
		_, err := pc.Crawl(ctx, r.req.Session, r.start, r.end, func(ctx context.Context, list []*model.Article) {
			r.drain(ctx, list)
		})
		if err != nil {
			return err
		}
	case ModeDB:
		rows, err := r.store.ListArticles(ctx, r.start, r.end)
		if err != nil {
			return &dbError{msg: "获取数据库数据失败", err: err}
		}
		list := make([]*model.Article, 0, len(rows))
		for _, row := range rows {
			a, err := row.ToModel(r.Cfg.Comment)
			if err != nil {
				logx.Warnf("还原文章失败：%v", err)
			}
			list = append(list, a)
		}
		total, err := r.store.Count(ctx)
		if err != nil {
			return &dbError{msg: "获取数据库数据失败", err: err}
		}
		logx.Infof("数据库中共%d篇文章，下载范围内%d篇", total, len(list))
		r.em.Emit(event.Successf("数据库中共%d篇文章，下载范围内%d篇", total, len(list)))
		r.drainAll(ctx, list)
	case ModeSelect:
		urls := r.req.URLs
		if r.req.Catalog != "" {
			found, err := feeds.CatalogLinks(ctx, r.Client, r.req.Catalog, r.req.Selector)
			if err != nil {
				return fmt.Errorf("catalog %s: %w", r.req.Catalog, err)
			}
			urls = append(append([]string{}, urls...), found...)
		}
		list := make([]*model.Article, 0, len(urls))
		for _, u := range dedup(urls) {
			list = append(list, &model.Article{ContentURL: u, Session: r.req.Session})
		}
		r.drainAll(ctx, list)
	case ModeRSS:
		list, err := feeds.ParseRSS(ctx, r.Client, r.req.FeedURL, r.start, r.end)
		if err != nil {
			return fmt.Errorf("rss %s: %w", r.req.FeedURL, err)
		}
		r.drainAll(ctx, list)
	}
	if r.rc.Aborted() {
		return download.ErrBlocked
	}
	return nil
}

// drainAll 按批量上限切分后依次交给 drain。
func (r *run) drainAll(ctx context.Context, list []*model.Article) {
	limit := max(1, r.Cfg.BatchLimit)
	for i := 0; i < len(list) && !r.rc.Aborted(); i += limit {
		r.drain(ctx, list[i:min(i+limit, len(list))])
	}
}

// report 把致命错误转换为中文提示。
func (r *run) report(err error) {
	var dbe *dbError
	switch {
	case errors.Is(err, download.ErrBlocked):
		r.fail("下载已终止：请求过于频繁触发了环境异常验证，请调大下载间隔（DL_INTERVAL）或缩小下载范围后重试")
	case errors.Is(err, feeds.ErrFeed):
		r.fail("获取文章列表失败：%v，请重新获取参数（key 可能已过期）或稍后重试", err)
	case errors.As(err, &dbe):
		r.fail("%s：%v", dbe.msg, dbe.err)
	default:
		r.fail("下载失败：%v", err)
	}
}

func (r *run) fail(format string, args ...any) {
	logx.Errorf(format, args...)
	r.em.Emit(event.Failf(format, args...))
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type dbError struct {
	msg string
	err error
}

func (e *dbError) Error() string { return e.msg + ": " + e.err.Error() }
func (e *dbError) Unwrap() error { return e.err }

// Sinks 按配置组装输出；withDB 为 false 时（数据来自数据库）不再写回数据库。
func Sinks(cfg *config.Config, st *store.Store, acks *event.Acks, withDB bool) []sink.Sink {
	var out []sink.Sink
	if cfg.Formats.Markdown {
		out = append(out, sink.Markdown{})
	}
	if cfg.Formats.HTML {
		out = append(out, sink.HTML{})
	}
	if cfg.Formats.PDF {
		out = append(out, sink.PDF{Acks: acks})
	}
	if cfg.Formats.DB && withDB && st != nil {
		out = append(out, sink.DB{Store: st, CleanMarkdown: cfg.CleanMarkdown})
	}
	return out
}

// dedup 按链接去重并保持顺序。
func dedup(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
