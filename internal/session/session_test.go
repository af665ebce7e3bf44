package session_test

import (
	"errors"
	"net/http"
	"testing"

	"wechat-archiver/internal/session"
)

func TestCapture_Banner(t *testing.T) {
	h := http.Header{}
	h.Set("Host", "mp.weixin.qq.com")
	h.Set("Cookie", "wap_sid2=xyz")
	h.Set("User-Agent", "MicroMessenger")
	c, err := session.Capture("https://mp.weixin.qq.com/mp/getbizbanner?__biz=MzA5&uin=MTIz&key=abc==&pass_ticket=p%2Bq", h)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if c.Kind != session.KindFeed {
		t.Fatalf("kind = %v", c.Kind)
	}
	s := c.Session
	if s.Biz != "MzA5" || s.Uin != "MTIz" || s.Key != "abc==" || s.PassTicket != "p+q" {
		t.Fatalf("session = %+v", s)
	}
	if s.Cookie != "wap_sid2=xyz" || s.UserAgent != "MicroMessenger" || s.Host != "mp.weixin.qq.com" {
		t.Fatalf("headers not captured: %+v", s)
	}
}

func TestCapture_IconReferer(t *testing.T) {
	h := http.Header{}
	h.Set("Referer", "https://mp.weixin.qq.com/s?__biz=MzA5&mid=2247&idx=1&sn=abcd&chksm=ef01&uin=MTIz&key=k1")
	h.Set("Cookie", "c=1")
	c, err := session.Capture("https://mp.weixin.qq.com/mp/geticon?x=1", h)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if c.Kind != session.KindArticle {
		t.Fatalf("kind = %v", c.Kind)
	}
	want := "http://mp.weixin.qq.com/s?__biz=MzA5&mid=2247&idx=1&sn=abcd&chksm=ef01&scene=27#wechat_redirect"
	if c.ArticleURL != want {
		t.Fatalf("article url = %s", c.ArticleURL)
	}
	if c.Session.Key != "k1" || c.Session.Cookie != "c=1" {
		t.Fatalf("session = %+v", c.Session)
	}
}

func TestCapture_IgnoredAndIncomplete(t *testing.T) {
	c, err := session.Capture("https://example.com/mp/getbizbanner?__biz=1", http.Header{})
	if err != nil || c.Kind != session.KindNone {
		t.Fatalf("foreign host should be ignored: %+v %v", c, err)
	}
	c, err = session.Capture("https://mp.weixin.qq.com/mp/other", http.Header{})
	if err != nil || c.Kind != session.KindNone {
		t.Fatalf("other path should be ignored: %+v %v", c, err)
	}
	_, err = session.Capture("https://mp.weixin.qq.com/mp/getbizbanner?__biz=MzA5", http.Header{})
	if !errors.Is(err, session.ErrIncomplete) {
		t.Fatalf("want ErrIncomplete, got %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("WX_BIZ", "MzA5")
	t.Setenv("WX_KEY", "k")
	t.Setenv("WX_UIN", "u")
	t.Setenv("WX_COOKIE", "c=1")
	s, err := session.FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if !s.Valid() || s.Host != "mp.weixin.qq.com" || s.Cookie != "c=1" {
		t.Fatalf("session = %+v", s)
	}

	t.Setenv("WX_BIZ", "")
	if _, err := session.FromEnv(); !errors.Is(err, session.ErrIncomplete) {
		t.Fatalf("expect ErrIncomplete for empty WX_BIZ, got %v", err)
	}
}
