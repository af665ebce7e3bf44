// 包 download 负责单篇文章的完整处理：
// - 抓取页面并识别验证页，按冷却时间重试
// - 提取正文与元数据，执行过滤规则，拉取留言
// - 本地化图片/音频，插入标题、原文链接与元数据
// - 并发写出各输出格式
package download

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"wechat-archiver/internal/assets"
	"wechat-archiver/internal/comments"
	"wechat-archiver/internal/config"
	"wechat-archiver/internal/event"
	"wechat-archiver/internal/extract"
	"wechat-archiver/internal/fetch"
	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/meta"
	"wechat-archiver/internal/metrics"
	"wechat-archiver/internal/model"
	"wechat-archiver/internal/rules"
	"wechat-archiver/internal/sink"
)

// ErrBlocked 验证页重试次数超过上限，整个运行需要终止。
var ErrBlocked = errors.New("blocked by verification page")

// SourceFile 为临时目录中保存的原始页面。
const SourceFile = "source.html"

// Downloader 处理单篇文章；同一个 Downloader 可被多个任务并发使用。
type Downloader struct {
	Cfg      *config.Config
	Client   *fetch.Client
	Assets   *assets.Cache     // 为空时不处理图片/音频
	Comments *comments.Fetcher // 为空时不拉取留言
	Rules    *rules.Rules
	Sinks    []sink.Sink
	Run      *RunContext
	Emitter  event.Emitter
	// Sleep 用于请求间隔与验证页冷却，测试中可替换。
	Sleep func(ctx context.Context, d time.Duration) error
}

// Download 处理一篇文章并返回结果；只有 ErrBlocked 需要调用方终止运行，其余错误只影响本篇。
func (d *Downloader) Download(ctx context.Context, a *model.Article) (model.Outcome, error) {
	start := time.Now()
	if d.Run.Aborted() {
		logx.Debugf("运行已终止，忽略：%s", a.ContentURL)
		return model.OutcomeSkipped, nil
	}
	res := model.ArticleResult{URL: a.ContentURL}
	outcome, err := d.download(ctx, a, &res)
	res.Title = a.Title
	res.Datetime = a.Datetime
	res.Outcome = outcome
	if err != nil {
		res.Error = err.Error()
	}
	d.Run.Record(res)
	metrics.ObserveArticle(string(outcome), start)

	e := event.New(event.ArticleDone)
	e.Message = fmt.Sprintf("【%s】%s", label(a), outcome)
	e.Article = &res
	d.emitter().Emit(e)
	return outcome, err
}

func (d *Downloader) download(ctx context.Context, a *model.Article, res *model.ArticleResult) (model.Outcome, error) {
	cfg := d.Cfg
	em := d.emitter()

	if a.Title != "" && cfg.SkipExisting {
		if dir := d.saveDir(a, d.Run.Account()); exists(dir) {
			res.Dir = dir
			logx.Infof("【%s】已存在，跳过此文章", a.Title)
			em.Emit(event.Successf("【%s】已存在，跳过此文章", a.Title))
			return model.OutcomeSkipped, nil
		}
	}

	ex, outcome, err := d.extract(ctx, a)
	if err != nil {
		return outcome, err
	}

	if a.Title == "" {
		a.Title = ex.Title
	}
	if a.Author == "" {
		a.Author = ex.Byline
	}
	if a.Datetime.IsZero() {
		if t, ok := meta.CreateTime(a.HTML); ok {
			a.Datetime = t
		}
	}
	m := meta.Parse(a.HTML, nil)
	a.Meta = m
	d.Run.SetAccount(m.AccountName)

	if !d.Rules.Empty() {
		if filtered, reason := d.Rules.Match(a.Title, a.Author); filtered {
			logx.Infof("【%s】%s，跳过此文章", a.Title, reason)
			em.Emit(event.Successf("【%s】%s，跳过此文章", a.Title, reason))
			return model.OutcomeFiltered, nil
		}
	}

	if cfg.Comment && d.Comments != nil && len(a.Comments) == 0 {
		d.Comments.Fetch(ctx, a, em)
	}

	account := m.AccountName
	if account == "" {
		account = d.Run.Account()
	}
	dir := d.saveDir(a, account)
	res.Dir = dir
	if cfg.SkipExisting && exists(dir) {
		logx.Infof("【%s】已存在，跳过此文章", a.Title)
		em.Emit(event.Successf("【%s】已存在，跳过此文章", a.Title))
		return model.OutcomeSkipped, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		em.Emit(event.Failf("【%s】创建目录失败：%v", a.Title, err))
		return model.OutcomeFailed, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := TmpDir(cfg.TmpPath, a.ContentURL)
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return model.OutcomeFailed, fmt.Errorf("mkdir %s: %w", tmp, err)
	}
	if err := os.WriteFile(filepath.Join(tmp, SourceFile), []byte(a.HTML), 0644); err != nil {
		logx.Warnf("保存原始页面失败：%v", err)
	}
	a.FileName = DirName(a.Title)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(ex.HTML))
	if err != nil {
		return model.OutcomeFailed, fmt.Errorf("parse content: %w", err)
	}
	images := doc.Find("img").Length()
	if d.Assets != nil {
		n, err := d.Assets.Materialize(ctx, doc, dir, assets.Options{
			Images: cfg.Formats.Img,
			Audio:  cfg.Formats.Audio,
			Scheme: scheme(a.ContentURL),
		})
		if err != nil {
			em.Emit(event.Failf("【%s】部分图片或音频下载失败", a.Title))
		}
		if cfg.Formats.Img {
			images = n
		}
	}
	res.Images = images

	page := doc.Find("#" + extract.PageID).First()
	if page.Length() == 0 {
		page = doc.Find("body")
	}
	if cfg.SaveMeta {
		page.PrependHtml(meta.Banner(m))
	}
	if cfg.SourceURL {
		page.PrependHtml(sourceLink(a))
	}
	page.PrependHtml("<h1>" + html.EscapeString(a.Title) + "</h1>")
	out, err := doc.Html()
	if err != nil {
		return model.OutcomeFailed, fmt.Errorf("render content: %w", err)
	}

	p := &sink.Page{Article: a, Title: a.Title, HTML: out, Dir: dir, FileName: a.FileName}
	if errs := sink.Run(ctx, d.Sinks, p, em); len(errs) > 0 {
		res.Error = errors.Join(errs...).Error()
	}

	logx.Infof("【%s】下载完成，共%d张图，url：%s", a.Title, images, a.ContentURL)
	em.Emit(event.Successf("【%s】下载完成，共%d张图，url：%s", a.Title, images, a.ContentURL))
	return model.OutcomeDone, nil
}

// extract 抓取并提取正文；遇到验证页时按 RunContext 中的计数冷却重试。
func (d *Downloader) extract(ctx context.Context, a *model.Article) (*extract.Result, model.Outcome, error) {
	em := d.emitter()
	for {
		if a.HTML == "" {
			if err := d.fetch(ctx, a); err != nil {
				logx.Errorf("【%s】下载失败：%v", label(a), err)
				em.Emit(event.Failf("【%s】下载失败：%v", label(a), err))
				return nil, model.OutcomeFailed, err
			}
		}
		ex, err := extract.Extract(a.HTML)
		if err != nil {
			logx.Errorf("【%s】解析文章失败：%v", label(a), err)
			em.Emit(event.Failf("【%s】解析文章失败：%v", label(a), err))
			return nil, model.OutcomeFailed, err
		}
		if !ex.Challenged() {
			return ex, "", nil
		}

		n := d.Run.Challenge(a.ContentURL)
		if n > d.Cfg.AntiBot.Retries {
			d.Run.Abort()
			logx.Errorf("【%s】连续%d次出现%s，终止下载", label(a), n, extract.ChallengeMarker)
			em.Emit(event.Failf("【%s】连续%d次出现%s，终止下载", label(a), n, extract.ChallengeMarker))
			return nil, model.OutcomeBlocked, fmt.Errorf("%s: %w", a.ContentURL, ErrBlocked)
		}
		metrics.ChallengeRetries.Inc()
		logx.Warnf("【%s】出现%s，%s后第%d次重试", label(a), extract.ChallengeMarker, d.Cfg.AntiBot.Cooldown, n)
		em.Emit(event.Failf("【%s】出现%s，%s后重试", label(a), extract.ChallengeMarker, d.Cfg.AntiBot.Cooldown))
		a.HTML = ""
		if err := d.sleep(ctx, d.Cfg.AntiBot.Cooldown); err != nil {
			return nil, model.OutcomeFailed, err
		}
	}
}

// fetch 按请求间隔等待后抓取页面；有会话时带上 key/uin 才能拿到留言等参数。
func (d *Downloader) fetch(ctx context.Context, a *model.Article) error {
	if err := d.sleep(ctx, d.Run.Pace(time.Now(), d.Cfg.Interval)); err != nil {
		return err
	}
	var q url.Values
	if a.Session.Valid() {
		q = url.Values{}
		q.Set("key", a.Session.Key)
		q.Set("uin", a.Session.Uin)
	}
	text, err := d.Client.GetText(ctx, a.ContentURL, q, nil)
	if err != nil {
		return err
	}
	a.HTML = text
	return nil
}

func (d *Downloader) saveDir(a *model.Article, account string) string {
	if !d.Cfg.ClassifyDir {
		account = ""
	}
	return SaveDir(d.Cfg.SavePath, account, a.Title, a.Datetime)
}

func (d *Downloader) emitter() event.Emitter {
	if d.Emitter == nil {
		return event.Discard
	}
	return d.Emitter
}

func (d *Downloader) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	return Sleep(ctx, dur)
}

// Sleep 等待 d 或 ctx 结束。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func sourceLink(a *model.Article) string {
	return "<div>原文地址：<a href='" + html.EscapeString(a.ContentURL) + "' target='_blank'>" +
		html.EscapeString(a.Title) + "</a></div>"
}

func label(a *model.Article) string {
	if a.Title != "" {
		return a.Title
	}
	return a.ContentURL
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// scheme 返回文章地址的协议，解析失败时为空。
func scheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme
}
