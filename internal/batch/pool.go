package batch

import (
	"context"
	"sync"

	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/model"
)

// drain 下载一批文章并等待全部结束。
// 单线程模式逐篇执行；多线程模式整批并发（批大小不超过 BATCH_LIMIT），批与批之间串行。
// 运行被终止后不再开始新的文章，已开始的继续完成。
func (r *run) drain(ctx context.Context, list []*model.Article) {
	if len(list) == 0 {
		return
	}
	if r.Cfg.Sequential() {
		for _, a := range list {
			if r.rc.Aborted() {
				return
			}
			r.one(ctx, a)
		}
		return
	}

	sem := make(chan struct{}, max(1, r.Cfg.BatchLimit))
	var wg sync.WaitGroup
	for _, a := range list {
		if r.rc.Aborted() {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.one(ctx, a)
		}()
	}
	wg.Wait()
}

func (r *run) one(ctx context.Context, a *model.Article) {
	if _, err := r.dl.Download(ctx, a); err != nil {
		logx.Debugf("文章处理失败：%s 错误=%v", a.ContentURL, err)
	}
}
