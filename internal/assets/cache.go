// 包 assets 负责图片与音频的本地化：
// - 远程资源按 md5(url).ext 下载到共享缓存目录，同一 key 只下载一次
// - 从缓存复制到文章目录下的 img/{n}.{ext}、song/{n}.{ext}
// - 改写元素 src 指向本地文件，tmpsrc 保留缓存路径
package assets

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"wechat-archiver/internal/fetch"
	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/metrics"
	"wechat-archiver/internal/wx"
)

const (
	kindImage   = "image"
	kindQQMusic = "qqmusic"
	kindVoice   = "mpvoice"
	kindAudio   = "mpaudio"
)

// maxParallel 单篇文章内同时下载的资源数上限。
const maxParallel = 8

// Cache 为一次运行共享的资源缓存，可被多个文章任务并发使用。
type Cache struct {
	dir    string
	client *fetch.Client
	ep     wx.Endpoints
	group  singleflight.Group
}

// Options 控制是否把图片/音频下载到本地；音频即使不下载也会改写为播放器。
type Options struct {
	Images bool
	Audio  bool
	// Scheme 用于补全协议相对地址（//host/x），为空时使用 https。
	Scheme string
}

type job struct {
	sel    *goquery.Selection
	kind   string
	remote string
	mid    string
	ext    string
	index  int
	name   string
	singer string
	local  string
	cached string
	err    error
}

// New 创建缓存；dir 不存在时创建。
func New(dir string, cl *fetch.Client, ep wx.Endpoints) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir cache %s: %w", dir, err)
	}
	return &Cache{dir: dir, client: cl, ep: ep.WithDefaults()}, nil
}

// Dir 返回缓存目录。
func (c *Cache) Dir() string { return c.dir }

// Key 为缓存文件名：md5(url).ext。
func Key(remote, ext string) string {
	sum := md5.Sum([]byte(remote))
	return hex.EncodeToString(sum[:]) + "." + ext
}

// Materialize 处理 doc 中的图片与音频，返回成功本地化的图片数。
// 所有下载并发执行，全部结束后再统一改写 DOM；单个资源失败不影响其他资源，错误合并返回。
func (c *Cache) Materialize(ctx context.Context, doc *goquery.Document, saveDir string, opt Options) (int, error) {
	jobs := c.collect(doc, opt)
	if len(jobs) == 0 {
		return 0, nil
	}
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			j.err = c.run(ctx, j, saveDir, opt)
			return nil
		})
	}
	_ = g.Wait()

	images := 0
	var errs []error
	for _, j := range jobs {
		if j.err != nil {
			logx.Warnf("资源处理失败：%s %s 错误=%v", j.kind, j.remote, j.err)
			errs = append(errs, fmt.Errorf("%s %s: %w", j.kind, j.remote, j.err))
		}
		if j.kind == kindImage {
			if j.err == nil {
				images++
				j.sel.SetAttr("src", j.local)
				j.sel.SetAttr("tmpsrc", j.cached)
			}
			continue
		}
		c.appendPlayer(j)
	}
	return images, errors.Join(errs...)
}

// collect 顺序读取 DOM，生成下载任务；图片与音频分别编号。
func (c *Cache) collect(doc *goquery.Document, opt Options) []*job {
	var jobs []*job
	if opt.Images {
		n := 0
		doc.Find("img").Each(func(_ int, s *goquery.Selection) {
			remote := s.AttrOr("data-src", "")
			if remote == "" {
				remote = s.AttrOr("src", "")
			}
			if !isRemote(remote) {
				return
			}
			remote = Absolute(remote, opt.Scheme)
			n++
			jobs = append(jobs, &job{sel: s, kind: kindImage, remote: remote, ext: imageExt(s, remote), index: n})
		})
	}
	n := 0
	doc.Find("qqmusic, mpvoice, mp-common-mpaudio").Each(func(_ int, s *goquery.Selection) {
		n++
		j := &job{sel: s, index: n, name: s.AttrOr("name", "")}
		switch goquery.NodeName(s) {
		case "qqmusic":
			j.kind = kindQQMusic
			j.mid = s.AttrOr("mid", "")
			j.name = s.AttrOr("music_name", j.name)
			j.singer = s.AttrOr("singer", "")
			j.ext = "m4a"
		case "mpvoice":
			j.kind = kindVoice
			j.remote = c.ep.VoiceURL(s.AttrOr("voice_encode_fileid", ""))
			j.ext = "mp3"
		default:
			j.kind = kindAudio
			j.singer = s.AttrOr("author", "")
			j.remote = s.AttrOr("src", s.AttrOr("data-src", ""))
			if isRemote(j.remote) {
				j.remote = Absolute(j.remote, opt.Scheme)
			} else {
				j.remote = c.ep.VoiceURL(s.AttrOr("voice_encode_fileid", ""))
			}
			j.ext = extFromURL(j.remote, "mp3")
		}
		jobs = append(jobs, j)
	})
	return jobs
}

func (c *Cache) run(ctx context.Context, j *job, saveDir string, opt Options) error {
	if j.kind == kindQQMusic {
		u, err := c.songURL(ctx, j.mid)
		if err != nil {
			return err
		}
		j.remote = u
	}
	if j.kind != kindImage && !opt.Audio {
		return nil
	}
	name, err := c.Ensure(ctx, j.kind, j.remote, j.ext)
	if err != nil {
		return err
	}
	sub := "img"
	if j.kind != kindImage {
		sub = "song"
	}
	rel := path.Join(sub, fmt.Sprintf("%d.%s", j.index, j.ext))
	if err := copyFile(filepath.Join(c.dir, name), filepath.Join(saveDir, filepath.FromSlash(rel))); err != nil {
		return err
	}
	j.local = rel
	j.cached = path.Join(filepath.Base(c.dir), name)
	return nil
}

// Ensure 确保远程资源已在缓存中，返回缓存文件名。
// 已存在的缓存文件不会重新下载；同一 key 的并发请求合并为一次下载。
func (c *Cache) Ensure(ctx context.Context, kind, remote, ext string) (string, error) {
	name := Key(remote, ext)
	dst := filepath.Join(c.dir, name)
	if exists(dst) {
		metrics.ObserveAsset(kind, "cached")
		return name, nil
	}
	fetched := false
	_, err, _ := c.group.Do(name, func() (any, error) {
		if exists(dst) {
			return nil, nil
		}
		fetched = true
		_, err := c.client.Download(ctx, remote, dst)
		return nil, err
	})
	switch {
	case err != nil:
		metrics.ObserveAsset(kind, "error")
		return "", err
	case fetched:
		metrics.ObserveAsset(kind, "fetched")
	default:
		metrics.ObserveAsset(kind, "cached")
	}
	return name, nil
}

func (c *Cache) songURL(ctx context.Context, mid string) (string, error) {
	if mid == "" {
		return "", errors.New("qqmusic without mid")
	}
	q := url.Values{}
	q.Set("action", "get_song_info")
	q.Set("song_mid", mid)
	var resp wx.SongInfoResp
	if err := c.client.GetJSON(ctx, c.ep.SongInfo, q, nil, &resp); err != nil {
		return "", fmt.Errorf("song info %s: %w", mid, err)
	}
	return resp.PlayURL()
}

// appendPlayer 在音频元素后追加播放器块；已下载时指向本地文件。
func (c *Cache) appendPlayer(j *job) {
	src := j.local
	if src == "" {
		src = j.remote
	}
	if src == "" {
		return
	}
	var b strings.Builder
	b.WriteString(`<div class="music-div"><div><div class="music_card_title">`)
	b.WriteString(escape(j.name))
	b.WriteString(`</div>`)
	if j.singer != "" {
		b.WriteString(`<div class="music_card_desc">` + escape(j.singer) + `</div>`)
	}
	b.WriteString(`</div><div class="audio-dev"><audio controls="controls" loop="loop"><source src="`)
	b.WriteString(escape(src))
	b.WriteString(`"`)
	if j.cached != "" {
		b.WriteString(` tmpsrc="` + escape(j.cached) + `" data-src="` + escape(j.remote) + `"`)
	}
	b.WriteString(` type="audio/mpeg"/></audio></div></div>`)
	j.sel.AfterHtml(b.String())
}

func imageExt(s *goquery.Selection, remote string) string {
	if t := strings.ToLower(strings.TrimSpace(s.AttrOr("data-type", ""))); isExt(t) {
		return t
	}
	return extFromURL(remote, "jpg")
}

// extFromURL 依次尝试 wx_fmt 参数与路径后缀。
func extFromURL(remote, def string) string {
	u, err := url.Parse(remote)
	if err != nil {
		return def
	}
	if f := strings.ToLower(u.Query().Get("wx_fmt")); isExt(f) {
		return f
	}
	if e := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), ".")); isExt(e) {
		return e
	}
	return def
}

func isExt(s string) bool {
	if s == "" || len(s) > 5 || s == "other" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Absolute 为协议相对地址补全协议，其他地址原样返回。
func Absolute(u, scheme string) string {
	if !strings.HasPrefix(u, "//") {
		return u
	}
	if scheme == "" {
		scheme = "https"
	}
	return scheme + ":" + u
}

func isRemote(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "//")
}

func exists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func copyFile(src, dst string) error {
	if exists(dst) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;")

func escape(s string) string { return escaper.Replace(s) }
