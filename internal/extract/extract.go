// 包 extract 负责从文章页源码中提取正文，按页面结构分三种形态：
// - 图片分享页（.share_content_page）：描述 + 图片列表
// - 短文本页（.share_text_page）：仅一段文字
// - 普通图文：内置的 readability 精简实现
// 三种形态统一输出 Result。
package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ChallengeMarker 为反爬验证页的标题。
const ChallengeMarker = "环境异常"

// ErrNoContent 表示三种形态均无法提取。
var ErrNoContent = errors.New("extract: no readable content")

// Kind 为文章形态。
type Kind int

const (
	KindNormal Kind = iota
	KindPoster
	KindShortText
)

func (k Kind) String() string {
	switch k {
	case KindPoster:
		return "poster"
	case KindShortText:
		return "short_text"
	default:
		return "normal"
	}
}

// Result 为提取结果；HTML 包在 #readability-page-1 容器中。
type Result struct {
	Kind   Kind
	Title  string
	HTML   string
	Byline string
	Images []string
}

// Challenged 判断是否为验证页。
func (r *Result) Challenged() bool { return r != nil && r.Title == ChallengeMarker }

// PageID 为正文容器 id。
const PageID = "readability-page-1"

// AudioSelector 匹配三种音频组件：QQ 音乐、作者录音（新旧两种）。
const AudioSelector = "mpvoice, qqmusic, mp-common-mpaudio"

// Extract 先按结构判定形态，再分派到对应解析器。
func Extract(src string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if challenged(doc) {
		return &Result{Kind: KindNormal, Title: ChallengeMarker}, nil
	}
	switch {
	case doc.Find(".share_content_page").Length() > 0:
		return extractPoster(src, doc)
	case doc.Find(".share_text_page").Length() > 0:
		return extractShortText(src, doc)
	default:
		return extractNormal(doc)
	}
}

// challenged 验证页没有正文容器，标题位于 .weui-msg__title 或 <title>。
func challenged(doc *goquery.Document) bool {
	if doc.Find("#js_content").Length() > 0 {
		return false
	}
	t := strings.TrimSpace(doc.Find(".weui-msg__title").First().Text())
	if t == "" {
		t = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return strings.Contains(t, ChallengeMarker)
}

func wrap(inner string) string {
	return `<div id="` + PageID + `" class="page">` + inner + `</div>`
}

func byline(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[name="author"]`).Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(doc.Find("#js_author_name").First().Text())
}
