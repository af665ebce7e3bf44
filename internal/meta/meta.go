// 包 meta 从文章页源码中提取元数据（发布时间/作者/公号名/原创标识/发表地/留言 id）。
// 这些字段没有结构化接口，只能按页面中的脚本变量与节点匹配。
package meta

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"wechat-archiver/internal/model"
)

var (
	// var create_time = "1699399873" * 1;
	createTimeRe = regexp.MustCompile(`var create_time = "(\d*)" \* 1;`)
	// window.ct = '1695861587',
	postCreateTimeRe = regexp.MustCompile(`window.ct\s?=\s?'(\d*)'`)

	commentIDRe     = regexp.MustCompile(`var comment_id = "(.*)" \|\| "(.*)" \* 1;`)
	postCommentIDRe = regexp.MustCompile(`getXmlValue\('comment_id\.DATA'\)\s?:\s?'(\d*)';`)

	provinceRe  = regexp.MustCompile(`provinceName: '(\p{Han}*)'`)
	nicknameRe  = regexp.MustCompile(`var nickname = (?:htmlDecode\()?"([^"]*)"`)
	copyrightRe = regexp.MustCompile(`var _copyright_stat = "(\d*)"`)
	msgTitleRe  = regexp.MustCompile(`var msg_title = '([^']*)'`)
)

// Parse 提取元数据；doc 可为 nil，此时按源码重新解析。
func Parse(src string, doc *goquery.Document) *model.ArticleMeta {
	if doc == nil {
		d, err := goquery.NewDocumentFromReader(strings.NewReader(src))
		if err == nil {
			doc = d
		}
	}
	m := &model.ArticleMeta{}
	if doc != nil {
		m.Copyright = doc.Find("#copyright_logo").Length() > 0
		if v, ok := doc.Find(`meta[name="author"]`).Attr("content"); ok {
			m.Author = strings.TrimSpace(v)
		}
		if m.Author == "" {
			m.Author = strings.TrimSpace(doc.Find("#js_author_name").First().Text())
		}
		m.AccountName = strings.TrimSpace(doc.Find("#js_name").First().Text())
	}
	if !m.Copyright {
		if mm := copyrightRe.FindStringSubmatch(src); mm != nil && mm[1] == "1" {
			m.Copyright = true
		}
	}
	if m.AccountName == "" {
		if mm := nicknameRe.FindStringSubmatch(src); mm != nil {
			m.AccountName = strings.TrimSpace(html.UnescapeString(mm[1]))
		}
	}
	if t, ok := CreateTime(src); ok {
		m.PublishedAt = t.Format("2006-01-02 15:04")
	}
	m.PostedFrom = PostedFrom(src)
	return m
}

// CreateTime 匹配页面中的发布时间戳（秒）。
func CreateTime(src string) (time.Time, bool) {
	for _, re := range []*regexp.Regexp{createTimeRe, postCreateTimeRe} {
		if mm := re.FindStringSubmatch(src); mm != nil && mm[1] != "" {
			sec, err := strconv.ParseInt(mm[1], 10, 64)
			if err == nil && sec > 0 {
				return time.Unix(sec, 0), true
			}
		}
	}
	return time.Time{}, false
}

// CommentID 匹配留言 id；未找到返回空串，"0" 表示文章未开启留言。
func CommentID(src string) string {
	if mm := commentIDRe.FindStringSubmatch(src); mm != nil {
		return mm[1]
	}
	if mm := postCommentIDRe.FindStringSubmatch(src); mm != nil {
		return mm[1]
	}
	return ""
}

// PostedFrom 匹配发表地（省份）。
func PostedFrom(src string) string {
	if mm := provinceRe.FindStringSubmatch(src); mm != nil {
		return mm[1]
	}
	return ""
}

// MsgTitle 匹配短文本文章的标题变量。
func MsgTitle(src string) (string, bool) {
	mm := msgTitleRe.FindStringSubmatch(src)
	if mm == nil {
		return "", false
	}
	return html.UnescapeString(strings.ReplaceAll(mm[1], `\x26`, "&")), true
}

// Banner 渲染元数据横幅 HTML。
func Banner(m *model.ArticleMeta) string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(`<div class="meta-div">`)
	flag := "非原创"
	if m.Copyright {
		flag = "原创"
	}
	b.WriteString(`<span class="copyright-span">` + flag + ` </span>`)
	if m.Author != "" {
		b.WriteString(`<span>作者:` + html.EscapeString(m.Author) + ` </span>`)
	}
	if m.AccountName != "" {
		b.WriteString(`<span>公号:` + html.EscapeString(m.AccountName) + ` </span>`)
	}
	if m.PublishedAt != "" {
		b.WriteString(`<span>发布时间:` + m.PublishedAt + ` </span>`)
	}
	if m.PostedFrom != "" {
		b.WriteString(`<span>发表于` + html.EscapeString(m.PostedFrom) + ` </span>`)
	}
	b.WriteString(`</div>`)
	return b.String()
}
