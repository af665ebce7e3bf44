// 包 wx 汇总公号相关接口地址、请求头构造与接口返回结构。
package wx

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"

	"wechat-archiver/internal/model"
)

// Endpoints 为公号接口地址表；测试中可整体替换为本地服务地址。
type Endpoints struct {
	Profile  string // 文章列表 profile_ext
	Comment  string // 精选留言 appmsg_comment
	SongInfo string // QQ 音乐歌曲信息
	Voice    string // 作者录音 getvoice
}

// Default 返回线上接口地址。
func Default() Endpoints {
	return Endpoints{
		Profile:  "https://mp.weixin.qq.com/mp/profile_ext",
		Comment:  "https://mp.weixin.qq.com/mp/appmsg_comment",
		SongInfo: "https://mp.weixin.qq.com/mp/qqmusic",
		Voice:    "https://res.wx.qq.com/voice/getvoice",
	}
}

// WithDefaults 以线上地址补齐未设置的字段。
func (e Endpoints) WithDefaults() Endpoints {
	d := Default()
	if e.Profile == "" {
		e.Profile = d.Profile
	}
	if e.Comment == "" {
		e.Comment = d.Comment
	}
	if e.SongInfo == "" {
		e.SongInfo = d.SongInfo
	}
	if e.Voice == "" {
		e.Voice = d.Voice
	}
	return e
}

// VoiceURL 作者录音下载地址。
func (e Endpoints) VoiceURL(mediaID string) string {
	return e.Voice + "?mediaid=" + url.QueryEscape(mediaID)
}

// Headers 按会话构造请求头（Host/UA/Cookie/Referer）。
func Headers(s *model.Session, referer string) http.Header {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	if s != nil {
		h.Set("Host", s.Host)
		h.Set("User-Agent", s.UserAgent)
		h.Set("Cookie", s.Cookie)
	}
	h.Set("Referer", referer)
	return h
}

// ProfileReferer 文章列表请求所需的公号主页 Referer。
func ProfileReferer(s *model.Session) string {
	q := url.Values{}
	q.Set("action", "home")
	q.Set("lang", "zh_CN")
	q.Set("__biz", s.Biz)
	q.Set("uin", s.Uin)
	q.Set("key", s.Key)
	q.Set("pass_ticket", s.PassTicket)
	return "https://mp.weixin.qq.com/mp/profile_ext?" + q.Encode()
}

// BaseResp 为留言接口的通用状态。
type BaseResp struct {
	Ret    int    `json:"ret"`
	Errmsg string `json:"errmsg"`
}

// OK 判断接口是否成功。
func (b BaseResp) OK() bool { return b.Errmsg == "ok" }

// FeedEnvelope 为 getmsg 返回的分页信封。
type FeedEnvelope struct {
	Ret            int    `json:"ret"`
	Errmsg         string `json:"errmsg"`
	CanMsgContinue int    `json:"can_msg_continue"`
	NextOffset     int64  `json:"next_offset"`
	MsgCount       int    `json:"msg_count"`
	GeneralMsgList string `json:"general_msg_list"`
}

// Msg 为文章列表中的一条推送。
type Msg struct {
	CommMsgInfo struct {
		ID       int64 `json:"id"`
		Datetime int64 `json:"datetime"`
	} `json:"comm_msg_info"`
	AppMsgExtInfo *AppMsg `json:"app_msg_ext_info"`
}

// AppMsg 为推送中的图文信息；多图文时子项位于 MultiAppMsgItemList。
type AppMsg struct {
	Title               string   `json:"title"`
	ContentURL          string   `json:"content_url"`
	Author              string   `json:"author"`
	CopyrightStat       int      `json:"copyright_stat"`
	Digest              string   `json:"digest"`
	Cover               string   `json:"cover"`
	IsMulti             int      `json:"is_multi"`
	MultiAppMsgItemList []AppMsg `json:"multi_app_msg_item_list"`
}

// Messages 解析 general_msg_list（JSON 字符串，内部 URL 经过 HTML 转义）。
func (e *FeedEnvelope) Messages() ([]Msg, error) {
	if e.GeneralMsgList == "" {
		return nil, nil
	}
	var list struct {
		List []Msg `json:"list"`
	}
	if err := json.Unmarshal([]byte(e.GeneralMsgList), &list); err != nil {
		return nil, fmt.Errorf("decode general_msg_list: %w", err)
	}
	for i := range list.List {
		if m := list.List[i].AppMsgExtInfo; m != nil {
			unescapeURLs(m)
		}
	}
	return list.List, nil
}

func unescapeURLs(m *AppMsg) {
	m.ContentURL = html.UnescapeString(m.ContentURL)
	m.Cover = html.UnescapeString(m.Cover)
	for i := range m.MultiAppMsgItemList {
		unescapeURLs(&m.MultiAppMsgItemList[i])
	}
}

// CommentResp 为 getcomment 的返回。
type CommentResp struct {
	BaseResp       BaseResp        `json:"base_resp"`
	ElectedComment []model.Comment `json:"elected_comment"`
}

// ReplyResp 为 getcommentreply 的返回。
type ReplyResp struct {
	BaseResp  BaseResp `json:"base_resp"`
	ReplyList struct {
		ReplyList []model.Reply `json:"reply_list"`
	} `json:"reply_list"`
}

// SongInfoResp 为 get_song_info 的返回，resp_data 为 JSON 字符串。
type SongInfoResp struct {
	RespData string `json:"resp_data"`
}

// PlayURL 取第一首歌的标准音质播放地址。
func (r *SongInfoResp) PlayURL() (string, error) {
	var data struct {
		Songlist []struct {
			SongPlayURLStandard string `json:"song_play_url_standard"`
			SongPlayURL         string `json:"song_play_url"`
		} `json:"songlist"`
	}
	if err := json.Unmarshal([]byte(r.RespData), &data); err != nil {
		return "", fmt.Errorf("decode resp_data: %w", err)
	}
	if len(data.Songlist) == 0 {
		return "", fmt.Errorf("empty songlist")
	}
	if u := data.Songlist[0].SongPlayURLStandard; u != "" {
		return u, nil
	}
	if u := data.Songlist[0].SongPlayURL; u != "" {
		return u, nil
	}
	return "", fmt.Errorf("no play url")
}
