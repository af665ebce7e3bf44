package sink

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"wechat-archiver/internal/event"
	"wechat-archiver/internal/extract"
	"wechat-archiver/internal/model"
)

//go:embed static/article.css
var articleCSS string

//go:embed static/comment.js
var commentJS string

const commentBlocks = `<div class="foot"></div><div class="dialog"><div class="dcontent"><div class="aclose"><span>留言</span>` +
	`<a class="close" href="javascript:closeDialog();">&times;</a></div><div class="contain"><div class="d-top"></div><div class="all-deply"></div></div></div></div>`

// HTML 写出带样式的 {file}.html；有留言时内联展示回复，完整回复在弹框中查看。
type HTML struct{}

func (HTML) Name() string { return "HTML" }

func (HTML) Write(_ context.Context, p *Page, em event.Emitter) error {
	out, err := RenderHTML(p, false)
	if err != nil {
		return err
	}
	if err := writeFile(p.path(".html"), out); err != nil {
		return err
	}
	em.Emit(event.Successf("【%s】保存HTML完成", p.Title))
	return nil
}

// RenderHTML 生成独立页面；showAllReply 为 true 时页面直接展开全部回复（用于打印 PDF）。
func RenderHTML(p *Page, showAllReply bool) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	head := doc.Find("head")
	if head.Find("meta[charset]").Length() == 0 {
		head.PrependHtml(`<meta charset="utf-8">`)
	}
	if head.Find("title").Length() == 0 {
		head.AppendHtml("<title>" + escapeText(p.Title) + "</title>")
	}
	head.AppendHtml(`<style type="text/css">` + "\n" + articleCSS + "</style>")

	if a := p.Article; a != nil && len(a.Comments) > 0 {
		script, err := commentScript(a, showAllReply)
		if err != nil {
			return "", err
		}
		head.AppendHtml(script)
		page := doc.Find("#" + extract.PageID)
		if page.Length() == 0 {
			page = doc.Find("body").Children().Last()
		}
		page.AfterHtml(commentBlocks)
	}
	return doc.Html()
}

func commentScript(a *model.Article, showAllReply bool) (string, error) {
	list, err := json.Marshal(a.Comments)
	if err != nil {
		return "", fmt.Errorf("marshal comments: %w", err)
	}
	detail := a.RepliesByCommentID
	if detail == nil {
		detail = map[string][]model.Reply{}
	}
	m, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("marshal replies: %w", err)
	}
	var b strings.Builder
	b.WriteString(`<script type="text/javascript">` + "\n")
	fmt.Fprintf(&b, "var electedComments = %s;\nvar replyDetail = %s;\nvar showAllReply = %t;\n", list, m, showAllReply)
	b.WriteString(commentJS)
	b.WriteString("</script>")
	return b.String(), nil
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeText(s string) string { return textEscaper.Replace(s) }
