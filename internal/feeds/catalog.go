package feeds

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"wechat-archiver/internal/fetch"
)

// DefaultCatalogSelector 目录文章中文章链接的默认位置。
const DefaultCatalogSelector = "#js_content a@href||a@data-link"

// CatalogLinks 抓取“目录”文章，按表达式抽取公号文章链接（去重、保持顺序）。
// 表达式语法：
// - "选择器@属性"：取所有匹配元素的属性
// - "选择器"：取所有匹配元素的文本
// - 以 "||" 连接多个候选，取第一个有结果的
func CatalogLinks(ctx context.Context, cl *fetch.Client, pageURL, expr string) ([]string, error) {
	if strings.TrimSpace(expr) == "" {
		expr = DefaultCatalogSelector
	}
	src, err := cl.GetText(ctx, pageURL, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("GET catalog %s: %w", pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse catalog html: %w", err)
	}
	for _, part := range strings.Split(expr, "||") {
		if links := collect(doc.Selection, pageURL, strings.TrimSpace(part)); len(links) > 0 {
			return links, nil
		}
	}
	return nil, nil
}

func collect(scope *goquery.Selection, base, expr string) []string {
	if expr == "" {
		return nil
	}
	sel, attr := expr, ""
	if at := strings.LastIndex(expr, "@"); at != -1 {
		sel, attr = strings.TrimSpace(expr[:at]), strings.TrimSpace(expr[at+1:])
	}
	var out []string
	seen := map[string]bool{}
	scope.Find(sel).Each(func(_ int, s *goquery.Selection) {
		v := strings.TrimSpace(s.Text())
		if attr != "" {
			v = strings.TrimSpace(s.AttrOr(attr, ""))
		}
		link := abs(base, html.UnescapeString(v))
		if !IsArticleURL(link) || seen[link] {
			return
		}
		seen[link] = true
		out = append(out, link)
	})
	return out
}
