// 包 event 定义下载流程向外汇报的状态事件。
package event

import (
	"fmt"
	"sync"
	"time"

	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/model"
)

type Kind string

const (
	Start       Kind = "START"
	Success     Kind = "SUCCESS"
	Fail        Kind = "FAIL"
	ArticleDone Kind = "ARTICLE_DONE"
	BatchDone   Kind = "BATCH_DONE"
	PDFRequest  Kind = "PDF_REQUEST"
	PDFDone     Kind = "PDF_DONE"
	Close       Kind = "CLOSE"
)

// PDFJob 为 PDF_REQUEST 的负载：由外部渲染 pdf.html 后回执 id。
type PDFJob struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	SavePath string `json:"savePath"`
	FileName string `json:"fileName"`
}

type Event struct {
	Kind    Kind                 `json:"kind"`
	RunID   string               `json:"runId,omitempty"`
	Message string               `json:"message,omitempty"`
	Article *model.ArticleResult `json:"article,omitempty"`
	Stats   *model.Stats         `json:"stats,omitempty"`
	PDF     *PDFJob              `json:"pdf,omitempty"`
	Time    time.Time            `json:"time"`
}

// Emitter 接收事件；实现需可被多个任务并发调用。
type Emitter interface {
	Emit(Event)
}

// Func 把函数适配为 Emitter。
type Func func(Event)

func (f Func) Emit(e Event) { f(e) }

// Discard 丢弃所有事件。
var Discard Emitter = Func(func(Event) {})

// Multi 依次转发给多个 Emitter。
func Multi(es ...Emitter) Emitter {
	return Func(func(e Event) {
		for _, x := range es {
			if x != nil {
				x.Emit(e)
			}
		}
	})
}

// WithRun 为事件补上运行 id。
func WithRun(runID string, next Emitter) Emitter {
	return Func(func(e Event) {
		if e.RunID == "" {
			e.RunID = runID
		}
		next.Emit(e)
	})
}

// Log 把事件写入日志：FAIL 为警告，其余为信息。
var Log Emitter = Func(func(e Event) {
	switch e.Kind {
	case Fail:
		logx.Warnf("%s", e.Message)
	case Success, Start:
		logx.Infof("%s", e.Message)
	case BatchDone:
		if e.Message != "" {
			logx.Infof("%s", e.Message)
		}
	case PDFRequest:
		if e.PDF != nil {
			logx.Debugf("等待 PDF 渲染：%s (%s)", e.PDF.Title, e.PDF.ID)
		}
	default:
		logx.Debugf("事件 %s", e.Kind)
	}
})

// 便捷构造

func Successf(format string, args ...any) Event {
	return Event{Kind: Success, Message: fmt.Sprintf(format, args...), Time: time.Now()}
}

func Failf(format string, args ...any) Event {
	return Event{Kind: Fail, Message: fmt.Sprintf(format, args...), Time: time.Now()}
}

func New(kind Kind) Event { return Event{Kind: kind, Time: time.Now()} }

// Recorder 记录收到的全部事件，主要用于测试与汇总。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events 返回副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Of 返回指定类型的事件。
func (r *Recorder) Of(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
