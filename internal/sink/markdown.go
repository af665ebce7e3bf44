package sink

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"wechat-archiver/internal/comments"
	"wechat-archiver/internal/event"
	"wechat-archiver/internal/model"
)

var languageRe = regexp.MustCompile(`language-(\S+)`)

// Markdown 写出 {file}.md，末尾追加留言。
type Markdown struct{}

func (Markdown) Name() string { return "Markdown" }

func (Markdown) Write(_ context.Context, p *Page, em event.Emitter) error {
	text, err := ToMarkdown(p.HTML)
	if err != nil {
		return err
	}
	text += MarkdownComments(p.Article)
	if err := writeFile(p.path(".md"), text); err != nil {
		return err
	}
	em.Emit(event.Successf("【%s】保存Markdown完成", p.Title))
	return nil
}

// ToMarkdown 转换正文 HTML；代码块行号列表不输出。
func ToMarkdown(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(".code-snippet__line-index").Remove()
	return newConverter().Convert(doc.Selection), nil
}

func newConverter() *md.Converter {
	conv := md.NewConverter("", true, &md.Options{CodeBlockStyle: "fenced"})
	conv.AddRules(
		md.Rule{
			Filter: []string{"audio"},
			Replacement: func(_ string, selec *goquery.Selection, _ *md.Options) *string {
				h, err := goquery.OuterHtml(selec)
				if err != nil {
					return nil
				}
				return md.String("\n\n" + h + "\n\n")
			},
		},
		md.Rule{
			Filter:      []string{"pre"},
			Replacement: fencedCode,
		},
	)
	return conv
}

// fencedCode 处理公号代码块：pre 下可能有多个 code（每行一个），以 <br> 换行。
// 没有 code 子元素时交给默认规则。
func fencedCode(_ string, selec *goquery.Selection, opt *md.Options) *string {
	codes := selec.ChildrenFiltered("code")
	if codes.Length() == 0 {
		return nil
	}
	lang := ""
	lines := make([]string, 0, codes.Length())
	codes.Each(func(_ int, c *goquery.Selection) {
		if lang == "" {
			if m := languageRe.FindStringSubmatch(c.AttrOr("class", "")); m != nil {
				lang = m[1]
			}
		}
		c = c.Clone()
		c.Find("br").ReplaceWithHtml("\n")
		lines = append(lines, c.Text())
	})
	if lang == "" {
		lang = selec.AttrOr("data-lang", "")
	}
	code := strings.TrimSuffix(strings.Join(lines, "\n"), "\n")
	fenceChar, _ := utf8.DecodeRuneInString(opt.Fence)
	if fenceChar == utf8.RuneError {
		fenceChar = '`'
	}
	fence := md.CalculateCodeFence(fenceChar, code)
	return md.String("\n\n" + fence + lang + "\n" + code + "\n" + fence + "\n\n")
}

// MarkdownComments 渲染精选留言；没有留言时返回空串。
func MarkdownComments(a *model.Article) string {
	if a == nil || len(a.Comments) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n---\n\n精选留言\n\n")
	for _, c := range a.Comments {
		fmt.Fprintf(&b, "\n- **%s**%s\n  %s\n", c.NickName, fromPlace(c.IPWording), indent(c.Content, "  "))
		for _, r := range comments.Replies(a, c) {
			nick := r.NickName
			if r.FromAuthor() {
				nick += "(作者)"
			}
			to := ""
			if r.ToNickName != "" {
				to = "回复 " + r.ToNickName + " ："
			}
			fmt.Fprintf(&b, "\n  - **%s**%s\n    %s%s\n", nick, fromPlace(r.IPWording), to, indent(r.Content, "    "))
		}
	}
	return b.String()
}

func fromPlace(w *model.IPWording) string {
	if p := w.Place(); p != "" {
		return "（来自" + p + "）"
	}
	return ""
}

func indent(s, pad string) string {
	return strings.ReplaceAll(s, "\n", "\n"+pad)
}
