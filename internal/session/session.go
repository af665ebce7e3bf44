// 包 session 从拦截到的请求中识别公号会话凭据，或从环境变量读取。
package session

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"wechat-archiver/internal/model"
)

// Kind 为拦截请求的分类结果。
type Kind int

const (
	KindNone    Kind = iota
	KindFeed         // 公号主页横幅请求，可用于批量下载
	KindArticle      // 文章页图标请求，可用于选择下载
)

const (
	bannerPath = "/mp/getbizbanner"
	iconPath   = "/mp/geticon"
)

// Captured 为一次识别结果：Feed 时仅有 Session，Article 时另带文章地址。
type Captured struct {
	Kind       Kind
	Session    *model.Session
	ArticleURL string
}

var ErrIncomplete = errors.New("session: missing __biz/key/uin")

// Capture 识别拦截到的请求：
// - /mp/getbizbanner：从查询参数取 uin/__biz/key/pass_ticket，从请求头取 Host/Cookie/UA
// - /mp/geticon：从 Referer 取凭据与 mid/idx/sn/chksm，并拼出文章地址
// 其他请求返回 KindNone。
func Capture(rawURL string, h http.Header) (Captured, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Captured{}, fmt.Errorf("parse url %s: %w", rawURL, err)
	}
	if !strings.HasSuffix(u.Hostname(), "mp.weixin.qq.com") {
		return Captured{Kind: KindNone}, nil
	}
	switch u.Path {
	case bannerPath:
		s := fromQuery(u.Query())
		if !s.Valid() {
			return Captured{}, ErrIncomplete
		}
		s.Host = h.Get("Host")
		if s.Host == "" {
			s.Host = u.Host
		}
		s.Cookie = h.Get("Cookie")
		s.UserAgent = h.Get("User-Agent")
		return Captured{Kind: KindFeed, Session: s}, nil
	case iconPath:
		ref, err := url.Parse(h.Get("Referer"))
		if err != nil || ref.RawQuery == "" {
			return Captured{}, fmt.Errorf("session: geticon without usable referer")
		}
		q := ref.Query()
		s := fromQuery(q)
		if !s.Valid() {
			return Captured{}, ErrIncomplete
		}
		s.Host = u.Host
		s.Cookie = h.Get("Cookie")
		s.UserAgent = h.Get("User-Agent")
		return Captured{Kind: KindArticle, Session: s, ArticleURL: ArticleURL(q)}, nil
	}
	return Captured{Kind: KindNone}, nil
}

func fromQuery(q url.Values) *model.Session {
	return &model.Session{
		Biz:        q.Get("__biz"),
		Key:        q.Get("key"),
		Uin:        q.Get("uin"),
		PassTicket: q.Get("pass_ticket"),
	}
}

// ArticleURL 由 __biz/mid/idx/sn/chksm 拼出文章永久地址。
func ArticleURL(q url.Values) string {
	var b strings.Builder
	b.WriteString("http://mp.weixin.qq.com/s?__biz=")
	b.WriteString(q.Get("__biz"))
	for _, k := range []string{"mid", "idx", "sn", "chksm"} {
		b.WriteString("&" + k + "=")
		b.WriteString(url.QueryEscape(q.Get(k)))
	}
	b.WriteString("&scene=27#wechat_redirect")
	return b.String()
}

// env 为环境变量中的会话字段（前缀 WX_）。
type env struct {
	Biz        string `envconfig:"BIZ" required:"true"`
	Key        string `envconfig:"KEY" required:"true"`
	Uin        string `envconfig:"UIN" required:"true"`
	PassTicket string `envconfig:"PASS_TICKET"`
	Host       string `envconfig:"HOST" default:"mp.weixin.qq.com"`
	Cookie     string `envconfig:"COOKIE"`
	UserAgent  string `envconfig:"USER_AGENT"`
}

// FromEnv 读取 WX_BIZ/WX_KEY/WX_UIN/WX_PASS_TICKET/WX_HOST/WX_COOKIE/WX_USER_AGENT。
func FromEnv() (*model.Session, error) {
	var e env
	if err := envconfig.Process("wx", &e); err != nil {
		return nil, fmt.Errorf("load session from env: %w", err)
	}
	s := &model.Session{
		Biz:        e.Biz,
		Key:        e.Key,
		Uin:        e.Uin,
		PassTicket: e.PassTicket,
		Host:       e.Host,
		Cookie:     e.Cookie,
		UserAgent:  e.UserAgent,
	}
	if !s.Valid() {
		return nil, fmt.Errorf("load session from env: %w", ErrIncomplete)
	}
	return s, nil
}
