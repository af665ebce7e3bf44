// 包 server 提供 HTTP 控制面：提交运行、SSE 推送状态事件、接收 PDF 渲染回执、暴露指标。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"wechat-archiver/internal/batch"
	"wechat-archiver/internal/event"
	"wechat-archiver/internal/logx"
	"wechat-archiver/internal/metrics"
)

// Server 同一时刻只执行一个运行。
type Server struct {
	Router chi.Router

	ctx     context.Context
	coord   batch.Coordinator
	bus     *event.Bus
	acks    *event.Acks
	running atomic.Bool
	wg      sync.WaitGroup
}

// New 创建服务；ctx 结束时正在执行的运行随之取消。
// coord 作为模板，每次运行复制一份并替换事件出口与回执表。
func New(ctx context.Context, coord batch.Coordinator, bus *event.Bus, acks *event.Acks) *Server {
	s := &Server{ctx: ctx, coord: coord, bus: bus, acks: acks}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// 事件流为长连接，不加超时
	r.Get("/events", s.events)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
		r.Get("/metrics", metrics.Handler().ServeHTTP)
		r.Post("/runs", s.submit)
		r.Post("/pdf/{id}/done", s.pdfDone)
	})
	s.Router = r
	return s
}

// Start 启动 http.Server，ctx 结束时优雅关闭。
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		<-s.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logx.Infof("HTTP 服务已启动：%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return nil
}

// Wait 等待已提交的运行结束。
func (s *Server) Wait() { s.wg.Wait() }

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := batch.ParseMode(string(req.Mode))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Mode = mode
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		http.Error(w, "a run is already in progress", http.StatusConflict)
		return
	}

	id := uuid.NewString()
	c := s.coord
	c.Emitter = event.WithRun(id, event.Multi(s.bus, event.Log))
	c.Acks = s.acks
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if _, err := c.Run(s.ctx, req); err != nil {
			logx.Warnf("运行 %s 结束：%v", id, err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitResp{ID: id})
}

func (s *Server) pdfDone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.acks.Done(id) {
		http.Error(w, "unknown pdf id", http.StatusNotFound)
		return
	}
	e := event.New(event.PDFDone)
	e.Message = id
	s.bus.Emit(e)
	w.WriteHeader(http.StatusNoContent)
}

// events 以 SSE 推送事件：event 为事件类型，data 为 JSON。
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := s.bus.Subscribe()
	defer cancel()
	logx.Debugf("事件流已连接：%s，当前订阅数=%d", r.RemoteAddr, s.bus.Subscribers())

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case <-ping.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			fl.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(e)
			if err != nil {
				logx.Warnf("编码事件失败：%v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, b); err != nil {
				return
			}
			fl.Flush()
		}
	}
}
