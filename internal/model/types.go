// 包 model 定义抓取流程中流转的数据模型（会话/文章/元数据/评论/结果）。
package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Session 为访问公号接口所需的凭据，创建后只读。
type Session struct {
	Biz        string `json:"biz"`
	Key        string `json:"key"`
	Uin        string `json:"uin"`
	PassTicket string `json:"pass_ticket,omitempty"`
	Host       string `json:"host,omitempty"`
	Cookie     string `json:"cookie,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// Valid 判断是否具备请求公号接口的最少字段。
func (s *Session) Valid() bool {
	return s != nil && s.Biz != "" && s.Key != "" && s.Uin != ""
}

// Article 为单篇文章，在流水线各阶段被逐步填充；同一时刻只属于一个任务。
type Article struct {
	Title         string    `json:"title"`
	Digest        string    `json:"digest,omitempty"`
	FileName      string    `json:"file_name,omitempty"`
	Datetime      time.Time `json:"datetime"`
	ContentURL    string    `json:"content_url"`
	HTML          string    `json:"-"`
	Cover         string    `json:"cover,omitempty"`
	Author        string    `json:"author,omitempty"`
	CopyrightStat int       `json:"copyright_stat,omitempty"`

	Meta               *ArticleMeta       `json:"meta,omitempty"`
	Comments           []Comment          `json:"comments,omitempty"`
	RepliesByCommentID map[string][]Reply `json:"replies,omitempty"`
	Session            *Session           `json:"-"`
}

// ArticleMeta 从页面源码中提取的元数据。
type ArticleMeta struct {
	Copyright   bool   `json:"copyright"`
	Author      string `json:"author,omitempty"`
	AccountName string `json:"account_name,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
	PostedFrom  string `json:"posted_from,omitempty"`
}

// IPWording 为评论/回复的发表地。
type IPWording struct {
	CountryName  string `json:"country_name,omitempty"`
	ProvinceName string `json:"province_name,omitempty"`
}

// Place 优先返回省份，其次国家。
func (w *IPWording) Place() string {
	if w == nil {
		return ""
	}
	if w.ProvinceName != "" {
		return w.ProvinceName
	}
	return w.CountryName
}

// Comment 为一条精选留言。
type Comment struct {
	ContentID FlexString `json:"content_id"`
	NickName  string     `json:"nick_name"`
	LogoURL   string     `json:"logo_url"`
	Content   string     `json:"content"`
	LikeNum   int        `json:"like_num,omitempty"`
	IPWording *IPWording `json:"ip_wording,omitempty"`
	ReplyNew  ReplyInfo  `json:"reply_new"`
}

// ReplyInfo 为留言下内联的回复。
type ReplyInfo struct {
	ReplyTotalCnt int     `json:"reply_total_cnt"`
	MaxReplyID    int64   `json:"max_reply_id"`
	ReplyList     []Reply `json:"reply_list"`
}

// Reply 为一条回复；IsFrom == 2 表示作者回复。
type Reply struct {
	ReplyID    int64      `json:"reply_id,omitempty"`
	NickName   string     `json:"nick_name"`
	LogoURL    string     `json:"logo_url"`
	Content    string     `json:"content"`
	IsFrom     int        `json:"is_from"`
	ToNickName string     `json:"to_nick_name,omitempty"`
	IPWording  *IPWording `json:"ip_wording,omitempty"`
}

// FromAuthor 判断是否为作者回复。
func (r Reply) FromAuthor() bool { return r.IsFrom == 2 }

// FlexString 兼容接口中以字符串或数字返回的 id。
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Int64 解析为整数，失败返回 0。
func (f FlexString) Int64() int64 {
	n, _ := strconv.ParseInt(string(f), 10, 64)
	return n
}

// Outcome 为单篇文章的处理结果。
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFiltered Outcome = "filtered"
	OutcomeFailed   Outcome = "failed"
	OutcomeBlocked  Outcome = "blocked"
)

// ArticleResult 为一次运行中单篇文章的结果记录（用于清单导出）。
type ArticleResult struct {
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Dir      string    `json:"dir,omitempty"`
	Datetime time.Time `json:"datetime"`
	Images   int       `json:"images"`
	Outcome  Outcome   `json:"outcome"`
	Error    string    `json:"error,omitempty"`
}

// Stats 为运行汇总。
type Stats struct {
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Skipped   int       `json:"skipped"`
	Filtered  int       `json:"filtered"`
	Failed    int       `json:"failed"`
	Seconds   float64   `json:"seconds"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manifest 为清单文件的顶层结构。
type Manifest struct {
	Stats    Stats           `json:"stats"`
	Articles []ArticleResult `json:"articles"`
}
