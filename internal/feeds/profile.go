// 包 feeds 负责产生待下载的文章列表：
// - ProfileCrawler：按会话分页拉取公号历史消息
// - ParseRSS：使用 gofeed 解析 RSS/Atom/JSON Feed（公号转 RSS 的桥接服务）
// - CatalogLinks：从“目录”文章中抽取文章链接
package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"wechat-archiver/internal/event"
	"wechat-archiver/internal/fetch"
	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/metrics"
	"wechat-archiver/internal/model"
	"wechat-archiver/internal/wx"
)

// ErrFeed 表示文章列表接口返回失败（状态码非 200 或 errmsg 非 ok），不重试。
var ErrFeed = errors.New("article list request failed")

// DrainFunc 接收一批待下载文章，返回时这批文章应已处理完毕。
type DrainFunc func(ctx context.Context, batch []*model.Article)

// ProfileCrawler 分页拉取文章列表；列表按时间倒序，早于开始时间即停止翻页。
type ProfileCrawler struct {
	Client  *fetch.Client
	Ep      wx.Endpoints
	Limit   int
	Emitter event.Emitter
	// Aborted 返回 true 时不再请求下一页。
	Aborted func() bool
}

// Crawl 拉取 [start, end] 内的文章：每积累 Limit 篇即交给 drain 并等待其完成后再翻页，
// 结束时把剩余文章交给 drain。返回产生的文章数。
func (c *ProfileCrawler) Crawl(ctx context.Context, s *model.Session, start, end time.Time, drain DrainFunc) (int, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = 10
	}
	em := c.Emitter
	if em == nil {
		em = event.Discard
	}
	ep := c.Ep.WithDefaults()

	var (
		pending []*model.Article
		count   int
		offset  int64
	)
	flush := func(all bool) {
		for len(pending) >= limit || (all && len(pending) > 0) {
			n := min(limit, len(pending))
			batch := pending[:n:n]
			pending = pending[n:]
			drain(ctx, batch)
		}
	}
	defer flush(true)

	for {
		if c.Aborted != nil && c.Aborted() {
			logx.Warnf("任务已中止，停止获取文章列表")
			return count, nil
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
		env, err := c.page(ctx, ep, s, offset)
		if err != nil {
			return count, err
		}
		msgs, err := env.Messages()
		if err != nil {
			return count, fmt.Errorf("%w: %v", ErrFeed, err)
		}
		stop := false
		for _, m := range msgs {
			if m.AppMsgExtInfo == nil {
				continue
			}
			dt := time.Unix(m.CommMsgInfo.Datetime, 0)
			if dt.Before(start) {
				stop = true
				break
			}
			if dt.After(end) {
				continue
			}
			added := stubs(m.AppMsgExtInfo, dt, s)
			pending = append(pending, added...)
			count += len(added)
		}
		em.Emit(event.Successf("正在获取文章列表，目前数量：%d", count))
		flush(false)
		if stop || env.CanMsgContinue != 1 {
			return count, nil
		}
		offset = env.NextOffset
	}
}

func (c *ProfileCrawler) page(ctx context.Context, ep wx.Endpoints, s *model.Session, offset int64) (*wx.FeedEnvelope, error) {
	q := url.Values{}
	q.Set("action", "getmsg")
	q.Set("f", "json")
	q.Set("count", "10")
	q.Set("is_ok", "1")
	q.Set("__biz", s.Biz)
	q.Set("key", s.Key)
	q.Set("uin", s.Uin)
	q.Set("pass_ticket", s.PassTicket)
	q.Set("offset", strconv.FormatInt(offset, 10))
	logx.Debugf("下载文章列表 offset=%d", offset)

	metrics.FeedPages.Inc()
	var env wx.FeedEnvelope
	if err := c.Client.GetJSON(ctx, ep.Profile, q, wx.Headers(s, wx.ProfileReferer(s)), &env); err != nil {
		var se *fetch.StatusError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("%w: 状态码：%d", ErrFeed, se.Status)
		}
		return nil, fmt.Errorf("%w: %v", ErrFeed, err)
	}
	if env.Errmsg != "ok" {
		return nil, fmt.Errorf("%w: 错误信息：%s", ErrFeed, env.Errmsg)
	}
	return &env, nil
}

// stubs 把一条推送展开为文章：主图文与多图文子项中有链接的都计入。
func stubs(m *wx.AppMsg, dt time.Time, s *model.Session) []*model.Article {
	var out []*model.Article
	add := func(x *wx.AppMsg) {
		if x.ContentURL == "" {
			return
		}
		out = append(out, &model.Article{
			Title:         x.Title,
			ContentURL:    x.ContentURL,
			Datetime:      dt,
			Author:        x.Author,
			CopyrightStat: x.CopyrightStat,
			Digest:        x.Digest,
			Cover:         x.Cover,
			Session:       s,
		})
	}
	add(m)
	if m.IsMulti == 1 {
		for i := range m.MultiAppMsgItemList {
			add(&m.MultiAppMsgItemList[i])
		}
	}
	return out
}
