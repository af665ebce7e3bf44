package extract

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"wechat-archiver/internal/meta"
)

var cdnURLRe = regexp.MustCompile(`cdn_url\s*:\s*['"]([^'"]+)['"]`)

// extractPoster 图片分享页：标题取页面标题，缺失时回退到 meta description。
func extractPoster(src string, doc *goquery.Document) (*Result, error) {
	desc := metaDescription(doc)
	title := ""
	doc.Find("h1, h2, .rich_media_title, #activity-name").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		title = strings.TrimSpace(s.Text())
		return title == ""
	})
	if title == "" {
		title = firstLine(desc)
	}
	images := posterImages(src)
	if title == "" || len(images) == 0 {
		return nil, ErrNoContent
	}
	var b strings.Builder
	if desc != "" {
		b.WriteString("<p>" + textToHTML(desc) + "</p>")
	}
	for _, u := range images {
		eu := html.EscapeString(u)
		b.WriteString(`<p><img data-src="` + eu + `" src="` + eu + `"></p>`)
	}
	return &Result{
		Kind:   KindPoster,
		Title:  title,
		HTML:   wrap(b.String()),
		Byline: byline(doc),
		Images: images,
	}, nil
}

// posterImages 从 picture_page_info_list 脚本变量中按顺序取出 cdn_url。
func posterImages(src string) []string {
	i := strings.Index(src, "picture_page_info_list")
	if i < 0 {
		return nil
	}
	blob := src[i:]
	if j := strings.Index(blob, "</script>"); j > 0 {
		blob = blob[:j]
	}
	seen := map[string]bool{}
	var out []string
	for _, m := range cdnURLRe.FindAllStringSubmatch(blob, -1) {
		u := jsUnescape(m[1])
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// extractShortText 短文本页：正文为容器内文字，标题取脚本变量 msg_title。
func extractShortText(src string, doc *goquery.Document) (*Result, error) {
	title, ok := meta.MsgTitle(src)
	if !ok || strings.TrimSpace(title) == "" {
		return nil, ErrNoContent
	}
	c := doc.Find(".share_text_page").First()
	body := c.Find("#js_text_desc, .share_text_desc").First()
	if body.Length() == 0 {
		body = c
	}
	body.Find("br").ReplaceWithHtml("\n")
	text := strings.TrimSpace(body.Text())
	return &Result{
		Kind:   KindShortText,
		Title:  strings.TrimSpace(title),
		HTML:   wrap("<p>" + textToHTML(text) + "</p>"),
		Byline: byline(doc),
	}, nil
}

func metaDescription(doc *goquery.Document) string {
	for _, sel := range []string{`meta[name="description"]`, `meta[property="og:description"]`} {
		if v, ok := doc.Find(sel).Attr("content"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(jsUnescape(v))
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func textToHTML(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>")
}

// jsUnescape 处理页面脚本中常见的 \x26amp; 与 \/ 转义。
func jsUnescape(s string) string {
	r := strings.NewReplacer(`\x26`, "&", `\x0a`, "\n", `\/`, "/", `\n`, "\n")
	return html.UnescapeString(r.Replace(s))
}
