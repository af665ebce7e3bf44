// 包 rules 负责解析并执行文章过滤规则（FILTER_RULE，JSON 字符串），
// 以标题/作者的包含与排除关键字决定文章是否下载。
package rules

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Rules 为一次运行的过滤规则：
// - include 为空表示不限制；非空时至少命中一个
// - exclude 命中任意一个即拒绝
type Rules struct {
	TitleInclude []string `json:"titleInclude"`
	TitleExclude []string `json:"titleExclude"`
	AuthInclude  []string `json:"authInclude"`
	AuthExclude  []string `json:"authExclude"`
}

// Parse 解析 JSON 规则；空字符串返回 nil（不过滤）。
func Parse(raw string) (*Rules, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var r Rules
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("unmarshal filter rule: %w", err)
	}
	r.TitleInclude = clean(r.TitleInclude)
	r.TitleExclude = clean(r.TitleExclude)
	r.AuthInclude = clean(r.AuthInclude)
	r.AuthExclude = clean(r.AuthExclude)
	return &r, nil
}

// Match 判断文章是否应被过滤；返回 true 时 reason 为中文原因。
func (r *Rules) Match(title, author string) (filtered bool, reason string) {
	if r == nil {
		return false, ""
	}
	if kw, ok := hit(title, r.TitleExclude); ok {
		return true, fmt.Sprintf("标题包含排除关键字【%s】", kw)
	}
	if kw, ok := hit(author, r.AuthExclude); ok {
		return true, fmt.Sprintf("作者包含排除关键字【%s】", kw)
	}
	if len(r.TitleInclude) > 0 {
		if _, ok := hit(title, r.TitleInclude); !ok {
			return true, "标题未包含任何指定关键字"
		}
	}
	if len(r.AuthInclude) > 0 {
		if _, ok := hit(author, r.AuthInclude); !ok {
			return true, "作者未包含任何指定关键字"
		}
	}
	return false, ""
}

// Empty 判断是否没有任何规则。
func (r *Rules) Empty() bool {
	return r == nil || len(r.TitleInclude)+len(r.TitleExclude)+len(r.AuthInclude)+len(r.AuthExclude) == 0
}

func hit(s string, kws []string) (string, bool) {
	for _, kw := range kws {
		if strings.Contains(s, kw) {
			return kw, true
		}
	}
	return "", false
}

// clean 去除空白关键字，避免空串匹配一切。
func clean(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
