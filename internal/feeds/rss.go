package feeds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"wechat-archiver/internal/fetch"
	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/model"
)

const maxFeedBytes = 8 << 20

// ParseRSS 解析订阅并返回 [start, end] 内的公号文章（链接须指向 mp.weixin.qq.com）。
// feedURL 为网页时，尝试从 <link rel="alternate"> 发现订阅地址。
func ParseRSS(ctx context.Context, cl *fetch.Client, feedURL string, start, end time.Time) ([]*model.Article, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
	defer cancel()
	body, ct, err := get(reqCtx, cl, feedURL)
	if err != nil {
		return nil, err
	}
	if !looksLikeFeed(ct, body) {
		alt, err := discover(feedURL, body)
		if err != nil {
			return nil, err
		}
		logx.Debugf("从 <link> 发现订阅：%s", alt)
		if body, _, err = get(reqCtx, cl, alt); err != nil {
			return nil, err
		}
		feedURL = alt
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	var out []*model.Article
	for _, it := range feed.Items {
		link := strings.TrimSpace(it.Link)
		if !IsArticleURL(link) {
			continue
		}
		dt := pickTime(it.PublishedParsed, it.UpdatedParsed)
		if !dt.IsZero() && (dt.Before(start) || dt.After(end)) {
			continue
		}
		out = append(out, &model.Article{
			Title:      strings.TrimSpace(it.Title),
			ContentURL: link,
			Datetime:   dt,
			Author:     authorName(it),
			Digest:     strings.TrimSpace(it.Description),
			Cover:      cover(it),
		})
	}
	logx.Infof("订阅 %s 解析到 %d 篇文章", feedURL, len(out))
	return out, nil
}

func get(ctx context.Context, cl *fetch.Client, u string) ([]byte, string, error) {
	resp, err := cl.Get(ctx, u)
	if err != nil {
		return nil, "", fmt.Errorf("GET feed %s: %w", u, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read feed %s: %w", u, err)
	}
	return b, strings.ToLower(resp.Header.Get("Content-Type")), nil
}

// looksLikeFeed 根据 Content-Type 与内容粗略判断是否为订阅，避免把 HTML 误判为订阅。
func looksLikeFeed(ct string, body []byte) bool {
	if strings.Contains(ct, "rss") || strings.Contains(ct, "atom") || strings.Contains(ct, "xml") || strings.Contains(ct, "feed+json") {
		return true
	}
	head := bytes.ToLower(body[:min(len(body), 2048)])
	return bytes.Contains(head, []byte("<rss")) || bytes.Contains(head, []byte("<feed")) ||
		bytes.Contains(head, []byte("<rdf")) || bytes.Contains(head, []byte("jsonfeed.org/version"))
}

func discover(page string, body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	found := ""
	doc.Find(`link[rel~="alternate"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := strings.ToLower(s.AttrOr("type", ""))
		if strings.Contains(t, "rss") || strings.Contains(t, "atom") || strings.Contains(t, "json") {
			found = abs(page, s.AttrOr("href", ""))
			return false
		}
		return true
	})
	if found == "" {
		return "", fmt.Errorf("no feed discovered for %s", page)
	}
	return found, nil
}

// IsArticleURL 判断是否为公号文章链接。
func IsArticleURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host != "mp.weixin.qq.com" {
		return false
	}
	return strings.HasPrefix(u.Path, "/s")
}

func pickTime(a, b *time.Time) time.Time {
	if a != nil {
		return *a
	}
	if b != nil {
		return *b
	}
	return time.Time{}
}

func authorName(it *gofeed.Item) string {
	if it.Author != nil {
		if it.Author.Name != "" {
			return it.Author.Name
		}
		return it.Author.Email
	}
	return ""
}

func cover(it *gofeed.Item) string {
	if it.Image != nil {
		return it.Image.URL
	}
	for _, e := range it.Enclosures {
		if strings.HasPrefix(e.Type, "image/") {
			return e.URL
		}
	}
	return ""
}

// abs 将相对链接转换为绝对 URL。
func abs(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	bu, err := url.Parse(base)
	if err != nil {
		return ref
	}
	ru, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return bu.ResolveReference(ru).String()
}
