// 包 config 负责加载与校验下载配置（settings.yaml），
// 一次运行内配置只读；对外提供 Config、默认值与日期范围计算。
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceWeb = "web"
	SourceDB  = "db"

	ThreadSingle = "single"
	ThreadMulti  = "multi"

	ScopeToday = "one"
	ScopeWeek  = "seven"
	ScopeMonth = "month"
	ScopeDIY   = "diy"
)

// 反爬验证页的重试上限与冷却时间，未配置时使用。
const (
	DefaultChallengeRetries  = 3
	DefaultChallengeCooldown = 30 * time.Second
)

type Config struct {
	Source        string        `yaml:"DL_SOURCE"`   // web|db
	ThreadType    string        `yaml:"THREAD_TYPE"` // single|multi
	Interval      time.Duration `yaml:"DL_INTERVAL"`
	BatchLimit    int           `yaml:"BATCH_LIMIT"`
	Formats       Formats       `yaml:"FORMATS"`
	SkipExisting  bool          `yaml:"SKIP_EXIST"`
	SaveMeta      bool          `yaml:"SAVE_META"`
	ClassifyDir   bool          `yaml:"CLASSIFY_DIR"`
	SourceURL     bool          `yaml:"SOURCE_URL"`
	Comment       bool          `yaml:"COMMENT"`
	CommentReply  bool          `yaml:"COMMENT_REPLY"`
	Scope         string        `yaml:"DL_SCOPE"` // one|seven|month|diy
	StartDate     string        `yaml:"START_DATE"`
	EndDate       string        `yaml:"END_DATE"`
	SavePath      string        `yaml:"SAVE_PATH"`
	TmpPath       string        `yaml:"TMP_PATH"`
	Database      Database      `yaml:"DATABASE"`
	CleanMarkdown bool          `yaml:"CLEAN_MARKDOWN"`
	FilterRule    string        `yaml:"FILTER_RULE"`
	AntiBot       AntiBot       `yaml:"ANTI_BOT"`
	Proxy         Proxy         `yaml:"PROXY"`
	Retry         int           `yaml:"RETRY"`
	Timeout       time.Duration `yaml:"TIMEOUT"`
	PDFRenderCmd  string        `yaml:"PDF_RENDER_CMD"`
	IndexFile     string        `yaml:"INDEX_FILE"`
	MetricsFile   string        `yaml:"METRICS_FILE"`
	Listen        string        `yaml:"LISTEN"`
	LogLevel      string        `yaml:"LOG_LEVEL"`
	LogFormat     string        `yaml:"LOG_FORMAT"` // text|json|pretty
	LogLocale     string        `yaml:"LOG_LOCALE"` // zh-CN|en
	LogColor      string        `yaml:"LOG_COLOR"`  // auto|always|never
	LogFile       LogFile       `yaml:"LOG_FILE"`
}

// Formats 为各输出格式的开关；Audio/Img 控制是否把媒体下载到本地。
type Formats struct {
	HTML     bool `yaml:"html"`
	Markdown bool `yaml:"markdown"`
	PDF      bool `yaml:"pdf"`
	DB       bool `yaml:"db"`
	Audio    bool `yaml:"audio"`
	Img      bool `yaml:"img"`
}

type Database struct {
	Type  string `yaml:"type"` // sqlite|postgres
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type AntiBot struct {
	Retries  int           `yaml:"retries"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type Proxy struct {
	HTTP  string `yaml:"http"`
	HTTPS string `yaml:"https"`
}

type LogFile struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
}

// Default 返回带默认值的配置；Load 在其之上反序列化，未出现的键保持默认。
func Default() Config {
	return Config{
		Source:       SourceWeb,
		ThreadType:   ThreadMulti,
		BatchLimit:   10,
		Formats:      Formats{HTML: true, Markdown: true, Img: true, Audio: true},
		SkipExisting: true,
		SaveMeta:     true,
		SourceURL:    true,
		Scope:        ScopeWeek,
		SavePath:     "./output",
		AntiBot:      AntiBot{Retries: DefaultChallengeRetries, Cooldown: DefaultChallengeCooldown},
		Retry:        1,
		Timeout:      25 * time.Second,
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// Validate 负责合法性检查与零值兜底。
func (c *Config) Validate() error {
	if c.BatchLimit < 0 {
		return errors.New("BATCH_LIMIT must be >= 0")
	}
	if c.Interval < 0 {
		return errors.New("DL_INTERVAL must be >= 0")
	}
	if c.BatchLimit == 0 {
		c.BatchLimit = 10
	}
	switch c.Source {
	case "":
		c.Source = SourceWeb
	case SourceWeb, SourceDB:
	default:
		return fmt.Errorf("unsupported DL_SOURCE: %s", c.Source)
	}
	switch c.ThreadType {
	case "":
		c.ThreadType = ThreadMulti
	case ThreadSingle, ThreadMulti:
	default:
		return fmt.Errorf("unsupported THREAD_TYPE: %s", c.ThreadType)
	}
	switch c.Scope {
	case "":
		c.Scope = ScopeWeek
	case ScopeToday, ScopeWeek, ScopeMonth:
	case ScopeDIY:
		if c.StartDate != "" {
			if _, err := parseDate(c.StartDate); err != nil {
				return fmt.Errorf("START_DATE: %w", err)
			}
		}
		if c.EndDate != "" {
			if _, err := parseDate(c.EndDate); err != nil {
				return fmt.Errorf("END_DATE: %w", err)
			}
		}
	default:
		return fmt.Errorf("unsupported DL_SCOPE: %s", c.Scope)
	}
	if c.SavePath == "" {
		c.SavePath = "./output"
	}
	if c.TmpPath == "" {
		c.TmpPath = filepath.Join(os.TempDir(), "wechat-archiver")
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.DSN == "" {
			c.Database.DSN = "./wechat.db"
		}
	case "postgres":
		if c.Database.DSN == "" && c.NeedsDatabase() {
			return errors.New("DATABASE.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Database.Table == "" {
		c.Database.Table = "wx_article"
	}
	if c.AntiBot.Retries < 0 {
		c.AntiBot.Retries = DefaultChallengeRetries
	}
	if c.AntiBot.Cooldown <= 0 {
		c.AntiBot.Cooldown = DefaultChallengeCooldown
	}
	if c.Retry < 0 {
		c.Retry = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 25 * time.Second
	}
	if c.LogFormat == "" {
		c.LogFormat = "pretty"
	}
	if c.LogLocale == "" {
		c.LogLocale = "zh-CN"
	}
	if c.LogColor == "" {
		c.LogColor = "auto"
	}
	return nil
}

// NeedsDatabase 判断本次运行是否需要打开数据库（保存到库或从库读取）。
func (c *Config) NeedsDatabase() bool {
	return c.Formats.DB || c.Source == SourceDB
}

// Sequential 单线程模式下逐篇下载。
func (c *Config) Sequential() bool { return c.ThreadType == ThreadSingle }

// DateRange 按 DL_SCOPE 计算下载的时间范围 [start, end]。
func (c *Config) DateRange(now time.Time) (start, end time.Time) {
	loc := now.Location()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	start = time.Unix(0, 0).In(loc)
	end = time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, loc)
	switch strings.ToLower(c.Scope) {
	case ScopeToday:
		start = today
	case ScopeWeek:
		start = today.AddDate(0, 0, -7)
	case ScopeMonth:
		start = today.AddDate(0, -1, 0)
	case ScopeDIY:
		if t, err := parseDate(c.StartDate); err == nil {
			start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		}
		if t, err := parseDate(c.EndDate); err == nil {
			end = time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc)
		}
	}
	return start, end
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "2006/01/02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}
