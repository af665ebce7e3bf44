// 命令行入口：
// - 解析子命令与 settings.yaml
// - 初始化日志、HTTP 客户端
// - 按模式执行一次下载（one/feed/db/select/rss）或启动 HTTP 控制面（serve）
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"wechat-archiver/internal/batch"
	"wechat-archiver/internal/config"
	"wechat-archiver/internal/event"
	"wechat-archiver/internal/fetch"
	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/metrics"
	"wechat-archiver/internal/model"
	"wechat-archiver/internal/server"
	"wechat-archiver/internal/session"
	"wechat-archiver/internal/sink"
	"wechat-archiver/internal/wx"
)

func main() {
	app := &cli.App{
		Name:  "wechat-archiver",
		Usage: "批量下载公众号文章为 Markdown / HTML / PDF / 数据库",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "settings.yaml", Usage: "path to settings.yaml"},
			&cli.StringFlag{Name: "capture", Usage: "intercepted getbizbanner/geticon url used as session (default: WX_* env)"},
			&cli.StringFlag{Name: "cookie", Usage: "cookie of the intercepted request"},
			&cli.StringFlag{Name: "referer", Usage: "referer of an intercepted geticon request (the article page)"},
			&cli.StringFlag{Name: "user-agent", Usage: "user agent of the intercepted request"},
		},
		Commands: []*cli.Command{
			{
				Name:      "one",
				Usage:     "下载单篇文章",
				ArgsUsage: "<url>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("错误: 请指定文章链接", 2)
					}
					return run(c, batch.Request{Mode: batch.ModeOne, URL: c.Args().First()}, false)
				},
			},
			{
				Name:  "feed",
				Usage: "按会话分页获取文章列表并批量下载",
				Action: func(c *cli.Context) error {
					return run(c, batch.Request{Mode: batch.ModeFeed}, true)
				},
			},
			{
				Name:  "db",
				Usage: "从数据库读取文章重新生成文件",
				Action: func(c *cli.Context) error {
					return run(c, batch.Request{Mode: batch.ModeDB}, false)
				},
			},
			{
				Name:      "select",
				Usage:     "下载指定的文章链接，或目录文章中的全部链接",
				ArgsUsage: "[url...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "catalog", Usage: "catalog article whose links are downloaded"},
					&cli.StringFlag{Name: "selector", Usage: "link selector inside the catalog, e.g. \"#js_content a@href\""},
				},
				Action: func(c *cli.Context) error {
					req := batch.Request{
						Mode:     batch.ModeSelect,
						URLs:     c.Args().Slice(),
						Catalog:  c.String("catalog"),
						Selector: c.String("selector"),
					}
					return run(c, req, false)
				},
			},
			{
				Name:      "rss",
				Usage:     "从 RSS/Atom 订阅中获取文章并下载",
				ArgsUsage: "<feed url>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("错误: 请指定订阅地址", 2)
					}
					return run(c, batch.Request{Mode: batch.ModeRSS, FeedURL: c.Args().First()}, false)
				},
			},
			{
				Name:  "serve",
				Usage: "启动 HTTP 控制面（提交运行、事件流、PDF 回执、指标）",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "listen address (default: LISTEN or :8080)"},
				},
				Action: serve,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup 加载配置并初始化日志与 HTTP 客户端。
func setup(c *cli.Context) (*config.Config, *fetch.Client, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), 1)
	}
	logx.Init(logx.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Locale:     cfg.LogLocale,
		Color:      cfg.LogColor,
		File:       cfg.LogFile.Path,
		MaxSizeMB:  cfg.LogFile.MaxSize,
		MaxBackups: cfg.LogFile.MaxBackups,
	})
	cl, err := fetch.New(fetch.Options{
		ProxyHTTP:  cfg.Proxy.HTTP,
		ProxyHTTPS: cfg.Proxy.HTTPS,
		Timeout:    cfg.Timeout,
		Retry:      cfg.Retry,
	})
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("http client: %v", err), 1)
	}
	return cfg, cl, nil
}

// loadSession 优先使用 --capture 给出的拦截地址，其次读取 WX_* 环境变量。
func loadSession(c *cli.Context) (*model.Session, string, error) {
	if raw := c.String("capture"); raw != "" {
		h := http.Header{}
		h.Set("Cookie", c.String("cookie"))
		h.Set("Referer", c.String("referer"))
		h.Set("User-Agent", c.String("user-agent"))
		got, err := session.Capture(raw, h)
		if err != nil {
			return nil, "", err
		}
		if got.Kind == session.KindNone {
			return nil, "", fmt.Errorf("unrecognized capture url: %s", raw)
		}
		return got.Session, got.ArticleURL, nil
	}
	s, err := session.FromEnv()
	return s, "", err
}

func run(c *cli.Context, req batch.Request, needSession bool) error {
	cfg, cl, err := setup(c)
	if err != nil {
		return err
	}
	defer logx.Close()

	s, articleURL, err := loadSession(c)
	switch {
	case err == nil:
		req.Session = s
	case needSession:
		return cli.Exit(fmt.Sprintf("获取会话参数失败：%v", err), 1)
	default:
		logx.Debugf("未提供会话参数：%v", err)
	}
	// 从 geticon 拦截到的文章地址用于选择下载
	if req.Mode == batch.ModeSelect && articleURL != "" {
		req.URLs = append(req.URLs, articleURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := &batch.Coordinator{Cfg: cfg, Client: cl, Ep: wx.Default(), Emitter: event.Log}
	if cfg.Formats.PDF && cfg.PDFRenderCmd != "" {
		acks := event.NewAcks()
		coord.Acks = acks
		coord.Emitter = event.Multi(event.Log, pdfRenderer(ctx, cfg.PDFRenderCmd, acks))
	}
	m, runErr := coord.Run(ctx, req)
	if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
		logx.Warnf("写入指标失败：%v", err)
	}
	if cfg.IndexFile != "" {
		logx.Infof("已导出清单 %s（%d 篇）", cfg.IndexFile, m.Stats.Total)
	}
	if runErr != nil {
		return cli.Exit(runErr.Error(), 1)
	}
	return nil
}

// pdfRenderer 收到 PDF_REQUEST 后执行外部渲染命令并回执。
// 命令中的 {html} 与 {pdf} 分别替换为输入页面与输出文件路径。
func pdfRenderer(ctx context.Context, tmpl string, acks *event.Acks) event.Emitter {
	return event.Func(func(e event.Event) {
		if e.Kind != event.PDFRequest || e.PDF == nil {
			return
		}
		job := *e.PDF
		go func() {
			defer acks.Done(job.ID)
			name := job.FileName
			if name == "" {
				name = "index"
			}
			in := filepath.Join(job.SavePath, sink.PDFFile)
			out := filepath.Join(job.SavePath, name+".pdf")
			cmdline := strings.NewReplacer("{html}", shellQuote(in), "{pdf}", shellQuote(out)).Replace(tmpl)
			cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
			if b, err := cmd.CombinedOutput(); err != nil {
				logx.Errorf("【%s】生成PDF失败：%v %s", job.Title, err, strings.TrimSpace(string(b)))
				return
			}
			logx.Infof("【%s】保存PDF完成", job.Title)
		}()
	})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func serve(c *cli.Context) error {
	cfg, cl, err := setup(c)
	if err != nil {
		return err
	}
	defer logx.Close()

	addr := c.String("listen")
	if addr == "" {
		addr = cfg.Listen
	}
	if addr == "" {
		addr = ":8080"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus(256)
	srv := server.New(ctx, batch.Coordinator{Cfg: cfg, Client: cl, Ep: wx.Default()}, bus, event.NewAcks())
	err = srv.Start(addr)
	srv.Wait()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
