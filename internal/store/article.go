package store

import (
	"encoding/json"
	"fmt"
	"time"

	"wechat-archiver/internal/model"
)

// Article 为文章表的一行；comm / comm_reply 为 JSON 文本。
type Article struct {
	Title         string
	Content       string
	Author        string
	ContentURL    string
	CreateTime    time.Time
	CopyrightStat int
	Comm          string
	CommReply     string
	Digest        string
	Cover         string
	JsName        string
	MDContent     string
}

// FromModel 由下载完成的文章构造一行；Content 保存原始页面。
func FromModel(a *model.Article, mdContent string) (Article, error) {
	row := Article{
		Title:         a.Title,
		Content:       a.HTML,
		Author:        a.Author,
		ContentURL:    a.ContentURL,
		CreateTime:    a.Datetime,
		CopyrightStat: a.CopyrightStat,
		Digest:        a.Digest,
		Cover:         a.Cover,
		MDContent:     mdContent,
	}
	if a.Meta != nil {
		row.JsName = a.Meta.AccountName
	}
	if len(a.Comments) > 0 {
		b, err := json.Marshal(a.Comments)
		if err != nil {
			return row, fmt.Errorf("marshal comments: %w", err)
		}
		row.Comm = string(b)
	}
	if len(a.RepliesByCommentID) > 0 {
		b, err := json.Marshal(a.RepliesByCommentID)
		if err != nil {
			return row, fmt.Errorf("marshal replies: %w", err)
		}
		row.CommReply = string(b)
	}
	return row, nil
}

// ToModel 还原为待渲染的文章：HTML 取自 content，withComments 时解析留言。
func (r Article) ToModel(withComments bool) (*model.Article, error) {
	a := &model.Article{
		Title:         r.Title,
		HTML:          r.Content,
		Author:        r.Author,
		ContentURL:    r.ContentURL,
		Datetime:      r.CreateTime,
		CopyrightStat: r.CopyrightStat,
		Digest:        r.Digest,
		Cover:         r.Cover,
	}
	if !withComments {
		return a, nil
	}
	if r.Comm != "" && r.Comm != "null" {
		if err := json.Unmarshal([]byte(r.Comm), &a.Comments); err != nil {
			return a, fmt.Errorf("decode comm of %s: %w", r.ContentURL, err)
		}
	}
	if r.CommReply != "" && r.CommReply != "null" {
		if err := json.Unmarshal([]byte(r.CommReply), &a.RepliesByCommentID); err != nil {
			return a, fmt.Errorf("decode comm_reply of %s: %w", r.ContentURL, err)
		}
	}
	return a, nil
}
