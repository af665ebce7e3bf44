package sink

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"wechat-archiver/internal/event"
)

// PDFFile 为交给外部渲染器的页面文件名。
const PDFFile = "pdf.html"

// PDF 写出展开全部回复的 pdf.html，发出 PDF_REQUEST 并等待渲染方回执。
// Acks 为空时不等待。
type PDF struct {
	Acks *event.Acks
}

func (PDF) Name() string { return "PDF" }

func (s PDF) Write(ctx context.Context, p *Page, em event.Emitter) error {
	out, err := RenderHTML(p, true)
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(p.Dir, PDFFile), out); err != nil {
		return err
	}
	em.Emit(event.Successf("【%s】保存pdf的html文件完成", p.Title))

	id := uuid.NewString()
	if s.Acks != nil {
		s.Acks.Register(id)
	}
	e := event.New(event.PDFRequest)
	e.Message = "保存pdf"
	e.PDF = &event.PDFJob{ID: id, Title: p.Title, SavePath: p.Dir, FileName: p.FileName}
	em.Emit(e)
	if s.Acks == nil {
		return nil
	}
	if err := s.Acks.Wait(ctx, id); err != nil {
		return fmt.Errorf("wait pdf %s: %w", id, err)
	}
	return nil
}
