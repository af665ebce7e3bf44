// 包 comments 拉取文章的精选留言及其回复。
package comments

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"wechat-archiver/internal/event"
	"wechat-archiver/internal/fetch"
	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/meta"
	"wechat-archiver/internal/model"
	"wechat-archiver/internal/wx"
)

const pageLimit = "100"

type Fetcher struct {
	client  *fetch.Client
	ep      wx.Endpoints
	replies bool
}

// New 创建 Fetcher；replies 为 true 时补拉未内联完整的回复。
func New(cl *fetch.Client, ep wx.Endpoints, replies bool) *Fetcher {
	return &Fetcher{client: cl, ep: ep.WithDefaults(), replies: replies}
}

// Fetch 填充 a.Comments 与 a.RepliesByCommentID。
// 所有失败只作为 FAIL 事件汇报，不影响文章本身的下载。
func (f *Fetcher) Fetch(ctx context.Context, a *model.Article, em event.Emitter) {
	if a.HTML == "" || !a.Session.Valid() {
		return
	}
	id := meta.CommentID(a.HTML)
	switch id {
	case "":
		logx.Warnf("获取精选评论参数失败：%s", a.ContentURL)
		em.Emit(event.Failf("获取精选评论参数失败"))
		return
	case "0":
		logx.Infof("【%s】没有评论", a.Title)
		return
	}

	h := wx.Headers(a.Session, a.ContentURL)
	q := f.baseQuery(a.Session, id)
	q.Set("action", "getcomment")

	var resp wx.CommentResp
	if err := f.client.GetJSON(ctx, f.ep.Comment, q, h, &resp); err != nil {
		logx.Errorf("【%s】获取精选评论失败：%v", a.Title, err)
		em.Emit(event.Failf("【%s】获取精选评论失败：%v", a.Title, err))
		return
	}
	if !resp.BaseResp.OK() {
		logx.Errorf("【%s】获取精选评论失败：%s", a.Title, resp.BaseResp.Errmsg)
		em.Emit(event.Failf("【%s】获取精选评论失败：%s", a.Title, resp.BaseResp.Errmsg))
		return
	}
	a.Comments = resp.ElectedComment
	logx.Debugf("【%s】精选评论 %d 条", a.Title, len(a.Comments))

	if !f.replies {
		return
	}
	for _, c := range a.Comments {
		if c.ReplyNew.ReplyTotalCnt <= len(c.ReplyNew.ReplyList) {
			continue
		}
		list, ok := f.fetchReplies(ctx, a, id, c, h, em)
		if !ok {
			continue
		}
		if a.RepliesByCommentID == nil {
			a.RepliesByCommentID = map[string][]model.Reply{}
		}
		a.RepliesByCommentID[c.ContentID.String()] = list
	}
}

func (f *Fetcher) fetchReplies(ctx context.Context, a *model.Article, commentID string, c model.Comment, h http.Header, em event.Emitter) ([]model.Reply, bool) {
	q := f.baseQuery(a.Session, commentID)
	q.Set("action", "getcommentreply")
	q.Set("is_first", "1")
	q.Set("content_id", c.ContentID.String())
	q.Set("max_reply_id", strconv.FormatInt(c.ReplyNew.MaxReplyID, 10))

	var resp wx.ReplyResp
	if err := f.client.GetJSON(ctx, f.ep.Comment, q, h, &resp); err != nil {
		logx.Errorf("获取评论回复失败：%v", err)
		em.Emit(event.Failf("获取评论回复失败：%v", err))
		return nil, false
	}
	if !resp.BaseResp.OK() {
		logx.Errorf("获取评论回复失败：%s", resp.BaseResp.Errmsg)
		em.Emit(event.Failf("获取评论回复失败：%s", resp.BaseResp.Errmsg))
		return nil, false
	}
	return resp.ReplyList.ReplyList, true
}

func (f *Fetcher) baseQuery(s *model.Session, commentID string) url.Values {
	q := url.Values{}
	q.Set("offset", "0")
	q.Set("limit", pageLimit)
	q.Set("f", "json")
	q.Set("__biz", s.Biz)
	q.Set("key", s.Key)
	q.Set("uin", s.Uin)
	q.Set("comment_id", commentID)
	return q
}

// Replies 返回留言的完整回复：优先补拉的结果，其次内联回复。
func Replies(a *model.Article, c model.Comment) []model.Reply {
	if list, ok := a.RepliesByCommentID[c.ContentID.String()]; ok {
		return list
	}
	return c.ReplyNew.ReplyList
}
