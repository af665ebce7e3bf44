package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"wechat-archiver/internal/event"
	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/store"
)

// Upserter 为数据库输出所需的存储能力。
type Upserter interface {
	UpsertArticle(ctx context.Context, a store.Article) error
}

// DB 以 content_url 为键写入一行；CleanMarkdown 时同时写入 md_content。
type DB struct {
	Store         Upserter
	CleanMarkdown bool
}

func (DB) Name() string { return "数据库" }

func (s DB) Write(ctx context.Context, p *Page, _ event.Emitter) error {
	mdContent := ""
	if s.CleanMarkdown {
		text, err := ToMarkdown(CleanHTML(p.HTML))
		if err != nil {
			return err
		}
		mdContent = text + MarkdownComments(p.Article)
	}
	row, err := store.FromModel(p.Article, mdContent)
	if err != nil {
		return err
	}
	if err := s.Store.UpsertArticle(ctx, row); err != nil {
		return fmt.Errorf("save article: %w", err)
	}
	logx.Infof("【%s】保存到数据库完成", p.Title)
	return nil
}

// CleanHTML 去掉本地化痕迹：有缓存属性的图片/音频恢复为远程地址，删除 tmpsrc。
func CleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("img[tmpsrc], source[tmpsrc]").Each(func(_ int, s *goquery.Selection) {
		if remote := s.AttrOr("data-src", ""); remote != "" {
			s.SetAttr("src", remote)
		}
		s.RemoveAttr("tmpsrc")
	})
	out, err := doc.Html()
	if err != nil {
		return html
	}
	return out
}
