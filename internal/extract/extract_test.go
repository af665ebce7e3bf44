package extract_test

import (
	"errors"
	"strings"
	"testing"

	"wechat-archiver/internal/extract"
)

const normalPage = `<html><head><title>t</title><meta name="author" content="作者甲"></head><body>
<h1 id="activity-name"> 普通文章 </h1>
<div id="js_content" style="visibility: hidden;">
<p>第一段，内容。</p>
<section><span></span></section>
<section><mpvoice voice_encode_fileid="abc" name="录音"></mpvoice></section>
<p><span> </span><qqmusic mid="001" music_name="歌"></qqmusic></p>
<p><img data-src="https://mmbiz.qpic.cn/a.png?wx_fmt=png" style="width: 300px;"></p>
<section><div style="display:none">隐藏内容</div></section>
<script>var x = 1;</script>
</div></body></html>`

func TestExtract_Normal(t *testing.T) {
	res, err := extract.Extract(normalPage)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Kind != extract.KindNormal || res.Title != "普通文章" || res.Byline != "作者甲" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.HTML, `<div id="readability-page-1" class="page">`) {
		t.Fatalf("html not wrapped: %s", res.HTML)
	}
	for _, want := range []string{"<mpvoice", "<qqmusic", `src="https://mmbiz.qpic.cn/a.png?wx_fmt=png"`, `width="300"`, "第一段"} {
		if !strings.Contains(res.HTML, want) {
			t.Fatalf("html missing %q: %s", want, res.HTML)
		}
	}
	for _, unwanted := range []string{"隐藏内容", "var x", "visibility"} {
		if strings.Contains(res.HTML, unwanted) {
			t.Fatalf("html should not contain %q: %s", unwanted, res.HTML)
		}
	}
	// 空 section 被清理；与音频同级的空 span 保留
	if n := strings.Count(res.HTML, "<span"); n != 1 {
		t.Fatalf("span count = %d: %s", n, res.HTML)
	}
	if len(res.Images) != 1 {
		t.Fatalf("images = %v", res.Images)
	}
}

func TestExtract_AudioOnlyNodeKept(t *testing.T) {
	page := `<html><body><h1>只有音频</h1><div id="js_content">
<section><section><mp-common-mpaudio data-mediaid="m1" name="n"></mp-common-mpaudio></section></section>
</div></body></html>`
	res, err := extract.Extract(page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(res.HTML, "<mp-common-mpaudio") || strings.Count(res.HTML, "<section") != 2 {
		t.Fatalf("audio wrapper pruned: %s", res.HTML)
	}
}

const posterPage = `<html><head><meta name="description" content="海边的一天"></head><body>
<div class="share_content_page"><div class="swiper"></div></div>
<script>
window.picture_page_info_list = [{cdn_url: 'https://mmbiz.qpic.cn/p1.jpg?wx_fmt=jpeg\x26amp;from=1', width: 100, watermark_info: {cdn_url: ''}},
{cdn_url: 'https://mmbiz.qpic.cn/p2.png', width: 200}];
</script></body></html>`

func TestExtract_Poster(t *testing.T) {
	res, err := extract.Extract(posterPage)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Kind != extract.KindPoster || res.Title != "海边的一天" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Images) != 2 || res.Images[0] != "https://mmbiz.qpic.cn/p1.jpg?wx_fmt=jpeg&from=1" {
		t.Fatalf("images = %v", res.Images)
	}
	if strings.Count(res.HTML, "<img") != 2 || !strings.Contains(res.HTML, "<p>海边的一天</p>") {
		t.Fatalf("html = %s", res.HTML)
	}

	noImages := strings.Replace(posterPage, "picture_page_info_list", "other_list", 1)
	if _, err := extract.Extract(noImages); !errors.Is(err, extract.ErrNoContent) {
		t.Fatalf("poster without images: want ErrNoContent, got %v", err)
	}
}

func TestExtract_ShortText(t *testing.T) {
	page := `<html><body><div class="share_text_page"><p id="js_text_desc">今天天气不错<br>出去走走</p></div>
<script>var msg_title = '随手记';</script></body></html>`
	res, err := extract.Extract(page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Kind != extract.KindShortText || res.Title != "随手记" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.HTML, "今天天气不错<br>出去走走") {
		t.Fatalf("html = %s", res.HTML)
	}

	missing := strings.Replace(page, "msg_title", "msg_desc", 1)
	if _, err := extract.Extract(missing); !errors.Is(err, extract.ErrNoContent) {
		t.Fatalf("short text without msg_title: want ErrNoContent, got %v", err)
	}
}

func TestExtract_ChallengeAndEmpty(t *testing.T) {
	page := `<html><head><title>验证</title></head><body><div class="weui-msg"><h2 class="weui-msg__title">环境异常</h2></div></body></html>`
	res, err := extract.Extract(page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !res.Challenged() {
		t.Fatalf("expect challenge page, got %+v", res)
	}
	if _, err := extract.Extract(`<html><body><div>短</div></body></html>`); !errors.Is(err, extract.ErrNoContent) {
		t.Fatalf("want ErrNoContent, got %v", err)
	}
}

func TestExtract_ScoredCandidate(t *testing.T) {
	long := strings.Repeat("这是一段足够长的正文内容，用于打分，", 5)
	page := `<html><head><title>无容器</title></head><body><div class="nav"><p>导航</p></div>
<article><p>` + long + `</p><p>` + long + `</p></article></body></html>`
	res, err := extract.Extract(page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Title != "无容器" || strings.Contains(res.HTML, "导航") || !strings.Contains(res.HTML, "足够长") {
		t.Fatalf("result = %+v", res)
	}
}
