// 包 logx 是对标准库 slog 的薄封装：
// - 支持级别/格式/语言/颜色配置，可选按大小轮转的日志文件
// - pretty 格式输出中文标签（[调试]/[信息]/[警告]/[错误]）
// - 通过 Debugf/Infof/Warnf/Errorf 暴露给业务代码
package logx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 为日志初始化参数。
type Options struct {
	Level  string
	Format string // text|json|pretty
	Locale string // zh-CN|en
	Color  string // auto|always|never

	// File 非空时同时写入轮转日志文件（始终为 json 格式，无颜色）。
	File       string
	MaxSizeMB  int
	MaxBackups int
}

var (
	mu      sync.Mutex
	rotator *lumberjack.Logger
)

// Init 根据选项初始化全局日志器；重复调用会关闭上一次打开的日志文件。
func Init(o Options) {
	lv := parseSlogLevel(o.Level)
	opts := &slog.HandlerOptions{Level: lv}
	var console slog.Handler
	switch strings.ToLower(strings.TrimSpace(o.Format)) {
	case "json":
		console = slog.NewJSONHandler(os.Stdout, opts)
	case "pretty", "":
		console = NewPrettyHandler(os.Stdout, lv, o.Locale, o.Color)
	default:
		console = slog.NewTextHandler(os.Stdout, opts)
	}

	mu.Lock()
	defer mu.Unlock()
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
	if o.File == "" {
		slog.SetDefault(slog.New(console))
		return
	}
	rotator = &lumberjack.Logger{
		Filename:   o.File,
		MaxSize:    orDefault(o.MaxSizeMB, 10),
		MaxBackups: orDefault(o.MaxBackups, 3),
		LocalTime:  true,
	}
	file := slog.NewJSONHandler(rotator, opts)
	slog.SetDefault(slog.New(fanout{console, file}))
}

// Close 关闭日志文件（如有）。
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// parseSlogLevel 将字符串级别解析为 slog.Leveler。
func parseSlogLevel(s string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none", "silent", "off":
		var l slog.Level = 100
		return l
	default:
		return slog.LevelInfo
	}
}

func Debugf(format string, v ...any) { slog.Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { slog.Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { slog.Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { slog.Error(fmt.Sprintf(format, v...)) }

// fanout 将同一条记录分发到多个 Handler。
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// PrettyHandler 面向人读的单行输出（可选彩色），支持中英文等级标签。
type PrettyHandler struct {
	w      io.Writer
	level  slog.Leveler
	locale string
	color  bool
	mu     *sync.Mutex
	attrs  []slog.Attr
	group  string
}

func NewPrettyHandler(w io.Writer, lv slog.Leveler, locale string, colorMode string) slog.Handler {
	if w == nil {
		w = os.Stdout
	}
	if locale == "" {
		locale = "zh-CN"
	}
	return &PrettyHandler{w: w, level: lv, locale: locale, mu: &sync.Mutex{}, color: shouldColor(w, colorMode)}
}

func (h *PrettyHandler) Enabled(_ context.Context, l slog.Level) bool {
	if ll, ok := h.level.(slog.Level); ok {
		return l >= ll && ll < 100
	}
	return true
}

// Handle 输出：时间 等级 消息 k=v...
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	buf.WriteString(ts.Format("2006-01-02 15:04:05"))
	buf.WriteByte(' ')
	lvl := levelLabel(h.locale, r.Level)
	if h.color {
		lvl = colorize(lvl, r.Level)
	}
	buf.WriteString(lvl)
	buf.WriteByte(' ')
	buf.WriteString(r.Message)
	attrs := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	for _, a := range attrs {
		buf.WriteByte(' ')
		if h.group != "" {
			buf.WriteString(h.group)
			buf.WriteByte('.')
		}
		buf.WriteString(a.Key)
		buf.WriteByte('=')
		buf.WriteString(a.Value.String())
	}
	buf.WriteByte('\n')
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &cp
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	cp := *h
	if cp.group == "" {
		cp.group = name
	} else {
		cp.group += "." + name
	}
	return &cp
}

func levelLabel(locale string, l slog.Level) string {
	zh := strings.HasPrefix(strings.ToLower(locale), "zh")
	switch l {
	case slog.LevelDebug:
		return pick(zh, "[调试]", "[DEBUG]")
	case slog.LevelInfo:
		return pick(zh, "[信息]", "[INFO]")
	case slog.LevelWarn:
		return pick(zh, "[警告]", "[WARN]")
	case slog.LevelError:
		return pick(zh, "[错误]", "[ERROR]")
	default:
		return fmt.Sprintf("[L%d]", l)
	}
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

// shouldColor 遵循 LOG_COLOR 与 NO_COLOR。
func shouldColor(w io.Writer, mode string) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "always":
		return true
	case "auto", "":
		if f, ok := w.(*os.File); ok {
			if fi, err := f.Stat(); err == nil {
				return fi.Mode()&os.ModeCharDevice != 0
			}
		}
		return false
	default:
		return false
	}
}

func colorize(s string, l slog.Level) string {
	code := "0"
	switch l {
	case slog.LevelDebug:
		code = "90"
	case slog.LevelInfo:
		code = "36"
	case slog.LevelWarn:
		code = "33"
	case slog.LevelError:
		code = "31"
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}
