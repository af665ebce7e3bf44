// 包 fetch 封装 HTTP 客户端（代理/超时/重试），用于抓取文章页、公号接口与媒体文件。
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const defaultUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36 MicroMessenger/7.0.20.1781(0x6700143B) NetType/WIFI WindowsWechat"

// maxPageBytes 限制单个页面/接口响应读取大小。
const maxPageBytes = 16 << 20

// Client 为带重试的 HTTP 客户端，可被多个任务并发使用。
type Client struct {
	http  *http.Client
	retry int
}

type Options struct {
	ProxyHTTP  string
	ProxyHTTPS string
	Timeout    time.Duration
	Retry      int
}

// StatusError 表示服务端返回了非 2xx 状态码。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.URL)
}

func New(opts Options) (*Client, error) {
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" && opts.ProxyHTTPS != "" {
				return url.Parse(opts.ProxyHTTPS)
			}
			if req.URL.Scheme == "http" && opts.ProxyHTTP != "" {
				return url.Parse(opts.ProxyHTTP)
			}
			return http.ProxyFromEnvironment(req)
		},
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConnsPerHost:   16,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	cl := &http.Client{Transport: transport, Timeout: opts.Timeout}
	return &Client{http: cl, retry: opts.Retry}, nil
}

// Get 请求 URL，失败时按线性回退重试。
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.GetWith(ctx, rawURL, nil, nil)
}

// GetWith 在 URL 上合并查询参数并附加请求头后发起 GET。
// 传输错误与 5xx/429 会重试；其余非 2xx 直接返回 *StatusError。
func (c *Client) GetWith(ctx context.Context, rawURL string, q url.Values, h http.Header) (*http.Response, error) {
	target, err := withQuery(rawURL, q)
	if err != nil {
		return nil, err
	}
	var lastErr error
	attempts := c.retry + 1
	for i := 0; i < attempts; i++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if reqErr != nil {
			return nil, fmt.Errorf("new request: %w", reqErr)
		}
		// 使用微信内置浏览器 UA；支持环境变量 WXA_UA 覆盖，会话头优先
		ua := os.Getenv("WXA_UA")
		if ua == "" {
			ua = defaultUA
		}
		req.Header.Set("User-Agent", ua)
		for k, vs := range h {
			if len(vs) == 0 || vs[0] == "" {
				continue
			}
			if http.CanonicalHeaderKey(k) == "Host" {
				req.Host = vs[0]
				continue
			}
			req.Header.Set(k, vs[0])
		}
		resp, err := c.http.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if err == nil {
			resp.Body.Close()
			lastErr = &StatusError{URL: target, Status: resp.StatusCode}
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, lastErr
			}
		} else {
			lastErr = err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * 300 * time.Millisecond):
		}
	}
	return nil, lastErr
}

// GetText 读取响应体为字符串。
func (c *Client) GetText(ctx context.Context, rawURL string, q url.Values, h http.Header) (string, error) {
	resp, err := c.GetWith(ctx, rawURL, q, h)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read body %s: %w", rawURL, err)
	}
	return string(b), nil
}

// GetJSON 请求并将响应体解码到 v。
func (c *Client) GetJSON(ctx context.Context, rawURL string, q url.Values, h http.Header, v any) error {
	resp, err := c.GetWith(ctx, rawURL, q, h)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageBytes)).Decode(v); err != nil {
		return fmt.Errorf("decode json %s: %w", rawURL, err)
	}
	return nil
}

// Download 将远程文件写入 dst：先写 dst.downloading，完成后重命名，避免留下半截文件。
func (c *Client) Download(ctx context.Context, rawURL, dst string) (int64, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}
	tmp := dst + ".downloading"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename %s: %w", dst, err)
	}
	return n, nil
}

func withQuery(rawURL string, q url.Values) (string, error) {
	if len(q) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %s: %w", rawURL, err)
	}
	merged := u.Query()
	for k, vs := range q {
		merged.Del(k)
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	u.RawQuery = merged.Encode()
	return u.String(), nil
}
