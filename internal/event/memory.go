package event

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 在进程内缓存事件，主要用于测试与单机运行。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
	closed bool
}

// NewMemoryPublisher 创建内存发布器。size 决定通知通道的缓冲大小。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 256
	}
	return &MemoryPublisher{ch: make(chan Event, size)}
}

// Publish 记录事件并尽力投递到通知通道。通道满时只保留记录，不阻塞业务操作。
func (p *MemoryPublisher) Publish(_ context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("事件发布器已关闭")
	}
	p.events = append(p.events, evt)
	select {
	case p.ch <- evt:
	default:
	}
	return nil
}

// Events 返回已发布事件的快照。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// C 返回通知通道，供消费方监听。
func (p *MemoryPublisher) C() <-chan Event {
	return p.ch
}

// Close 关闭发布器。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	return nil
}

var _ Publisher = (*MemoryPublisher)(nil)
