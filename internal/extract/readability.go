package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	styleWidthRe = regexp.MustCompile(`width:\s*(\d+)px`)
	hiddenRe     = regexp.MustCompile(`(?i)display\s*:\s*none`)
	negativeRe   = regexp.MustCompile(`(?i)(^|[\s_-])(comment|footer|footnote|sponsor|reward|qr_code|promotion|hidden)([\s_-]|$)`)
)

// 可能被当作空节点清理的容器标签。
const prunable = "p, section, span, div, strong, em, b, i, font, blockquote"

// 有这些后代的节点即使没有文字也不算空。
const contentful = "img, video, svg, hr, pre, code, table, audio, source, iframe, " + AudioSelector

// extractNormal 普通图文：预处理→选正文容器→清理→包装。
func extractNormal(doc *goquery.Document) (*Result, error) {
	Prep(doc)
	title := normalTitle(doc)
	by := byline(doc)

	doc.Find("script, style, noscript, link, iframe").Remove()

	root := doc.Find("#js_content").First()
	if root.Length() == 0 {
		root = bestCandidate(doc)
	}
	if root == nil || root.Length() == 0 || isEmpty(root) {
		return nil, ErrNoContent
	}
	// 正文容器初始带 visibility:hidden，由页面脚本显示
	root.RemoveAttr("style")
	clean(root)
	if isEmpty(root) {
		return nil, ErrNoContent
	}
	inner, err := root.Html()
	if err != nil {
		return nil, ErrNoContent
	}
	res := &Result{Kind: KindNormal, Title: title, HTML: wrap(inner), Byline: by}
	root.Find("img").Each(func(_ int, s *goquery.Selection) {
		if v := s.AttrOr("src", ""); v != "" {
			res.Images = append(res.Images, v)
		}
	})
	if res.Title == "" {
		return nil, ErrNoContent
	}
	return res, nil
}

// Prep 预处理图片：data-src 赋给 src，style 中的宽度写入 width。
func Prep(doc *goquery.Document) {
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if v := s.AttrOr("data-src", ""); v != "" {
			s.SetAttr("src", v)
		}
		if m := styleWidthRe.FindStringSubmatch(s.AttrOr("style", "")); m != nil {
			s.SetAttr("width", m[1])
		}
	})
}

func normalTitle(doc *goquery.Document) string {
	for _, sel := range []string{"#activity-name", ".rich_media_title", "h1"} {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	if v, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// bestCandidate 没有 #js_content 时按段落打分选出正文容器：
// 段落得 1 分 + 逗号数 + 每 100 字 1 分（最多 3 分），父节点全额、祖父节点一半。
func bestCandidate(doc *goquery.Document) *goquery.Selection {
	type cand struct {
		sel   *goquery.Selection
		score float64
	}
	scores := map[*html.Node]*cand{}
	add := func(s *goquery.Selection, v float64) {
		if s.Length() == 0 {
			return
		}
		k := s.Nodes[0]
		c, ok := scores[k]
		if !ok {
			c = &cand{sel: s}
			scores[k] = c
		}
		c.score += v
	}
	doc.Find("p, pre, td").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		n := utf8.RuneCountInString(text)
		if n < 25 {
			return
		}
		v := 1 + float64(strings.Count(text, ",")+strings.Count(text, "，"))
		v += float64(min(n/100, 3))
		add(s.Parent(), v)
		add(s.Parent().Parent(), v/2)
	})
	var best *cand
	for _, c := range scores {
		if best == nil || c.score > best.score {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.sel
}

// clean 清理隐藏、负面 class 与空节点；含音频组件的节点及其兄弟节点均保留。
func clean(root *goquery.Selection) {
	root.Find("*").Each(func(_ int, s *goquery.Selection) {
		if hiddenRe.MatchString(s.AttrOr("style", "")) || negativeRe.MatchString(s.AttrOr("class", "")+" "+s.AttrOr("id", "")) {
			if removable(s) {
				s.Remove()
			}
		}
	})
	nodes := root.Find(prunable)
	for i := nodes.Length() - 1; i >= 0; i-- {
		s := nodes.Eq(i)
		if isEmpty(s) && removable(s) {
			s.Remove()
		}
	}
}

// isEmpty 没有文字且没有图片/代码/音频等内容；含音频组件的节点永不为空。
func isEmpty(s *goquery.Selection) bool {
	if hasAudio(s) {
		return false
	}
	if strings.TrimSpace(s.Text()) != "" {
		return false
	}
	return s.Find(contentful).Length() == 0 && !s.Is(contentful)
}

// removable 父节点仍含音频组件时不删除。
func removable(s *goquery.Selection) bool {
	if hasAudio(s) {
		return false
	}
	if p := s.Parent(); p.Length() > 0 && hasAudio(p) {
		return false
	}
	return true
}

func hasAudio(s *goquery.Selection) bool {
	return s.Is(AudioSelector) || s.Find(AudioSelector).Length() > 0
}
