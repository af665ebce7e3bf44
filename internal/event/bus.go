package event

import (
	"context"
	"sync"

	"wechat-archiver/internal/logx"
)

// Bus 把事件广播给所有订阅者（SSE 连接）。订阅者处理不及时时丢弃该订阅者的事件。
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	size int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{subs: map[chan Event]struct{}{}, size: buffer}
}

func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			logx.Warnf("事件订阅者积压，丢弃事件 %s", e.Kind)
		}
	}
}

// Subscribe 返回事件通道与取消函数；取消后通道被关闭。
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.size)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers 当前订阅数。
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Acks 记录等待外部回执的 PDF 渲染请求。
type Acks struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
}

func NewAcks() *Acks {
	return &Acks{pending: map[string]chan struct{}{}}
}

// Register 登记 id，需在发出 PDF_REQUEST 之前调用。
func (a *Acks) Register(id string) {
	a.mu.Lock()
	if _, ok := a.pending[id]; !ok {
		a.pending[id] = make(chan struct{})
	}
	a.mu.Unlock()
}

// Done 回执 id；未登记或已回执返回 false。
func (a *Acks) Done(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.pending[id]
	if !ok {
		return false
	}
	delete(a.pending, id)
	close(ch)
	return true
}

// Wait 阻塞直到 id 被回执或 ctx 结束。
func (a *Acks) Wait(ctx context.Context, id string) error {
	a.mu.Lock()
	ch, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return ctx.Err()
	}
}

// Pending 未回执数量。
func (a *Acks) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
