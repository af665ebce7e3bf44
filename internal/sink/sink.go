// 包 sink 把处理好的文章写成各种输出：Markdown / HTML / PDF 用的 HTML / 数据库。
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"wechat-archiver/internal/event"
	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/metrics"
	"wechat-archiver/internal/model"
)

// Page 为交给各输出的文章：HTML 已完成资源本地化并插入标题等信息。
type Page struct {
	Article  *model.Article
	Title    string
	HTML     string
	Dir      string
	FileName string
}

func (p *Page) path(ext string) string {
	name := p.FileName
	if name == "" {
		name = "index"
	}
	return filepath.Join(p.Dir, name+ext)
}

// Sink 为一种输出格式；Write 需可被多个文章任务并发调用。
type Sink interface {
	Name() string
	Write(ctx context.Context, p *Page, em event.Emitter) error
}

// Run 并发执行所有输出并等待结束；单个失败只产生 FAIL 事件，不影响其他输出。
func Run(ctx context.Context, sinks []Sink, p *Page, em event.Emitter) []error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, s := range sinks {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Write(ctx, p, em); err != nil {
				metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
				logx.Errorf("【%s】保存%s失败：%v", p.Title, s.Name(), err)
				em.Emit(event.Failf("【%s】保存%s失败：%v", p.Title, s.Name(), err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
