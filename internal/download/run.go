package download

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wechat-archiver/internal/model"
)

// RunContext 为一次运行内各文章任务共享的状态，由批量调度方创建并传给每个任务。
type RunContext struct {
	aborted atomic.Bool

	mu         sync.Mutex
	challenges map[string]int // key: content_url
	account    string
	results    map[string]model.ArticleResult // key: content_url
	nextFetch  time.Time
}

func NewRunContext() *RunContext {
	return &RunContext{
		challenges: make(map[string]int),
		results:    make(map[string]model.ArticleResult),
	}
}

// Abort 标记运行终止：之后不再接纳新的文章，已开始的任务继续完成。
func (rc *RunContext) Abort() { rc.aborted.Store(true) }

func (rc *RunContext) Aborted() bool { return rc.aborted.Load() }

// Challenge 记录一次验证页并返回该地址累计的次数。
func (rc *RunContext) Challenge(url string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.challenges[url]++
	return rc.challenges[url]
}

// Pace 为一次页面请求分配时刻并返回需要等待的时长。
// 每次请求至少等待 interval，且同一运行内相邻两次请求的时刻至少相隔 interval。
func (rc *RunContext) Pace(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	at := now.Add(interval)
	if next := rc.nextFetch.Add(interval); next.After(at) {
		at = next
	}
	rc.nextFetch = at
	return at.Sub(now)
}

// Account 返回已识别的公号名。
func (rc *RunContext) Account() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.account
}

// SetAccount 记录公号名，空值忽略。
func (rc *RunContext) SetAccount(name string) {
	if name == "" {
		return
	}
	rc.mu.Lock()
	rc.account = name
	rc.mu.Unlock()
}

// Record 保存单篇结果，同一地址以最后一次为准。
func (rc *RunContext) Record(r model.ArticleResult) {
	if r.URL == "" {
		return
	}
	rc.mu.Lock()
	rc.results[r.URL] = r
	rc.mu.Unlock()
}

// Results 返回副本，按发布时间倒序。
func (rc *RunContext) Results() []model.ArticleResult {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]model.ArticleResult, 0, len(rc.results))
	for _, v := range rc.results {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Datetime.Equal(out[j].Datetime) {
			return out[i].URL < out[j].URL
		}
		return out[i].Datetime.After(out[j].Datetime)
	})
	return out
}
