package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/hewenyu/kong-proxy/internal/config"
	"go.uber.org/zap"
)

// AsyncEmitter 通过有界队列异步投递事件，队列满时丢弃
type AsyncEmitter struct {
	sink    Emitter
	events  chan Event
	logger  config.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncEmitter 创建异步投递器并启动投递协程
func NewAsyncEmitter(sink Emitter, buffer int, logger config.Logger) *AsyncEmitter {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	a := &AsyncEmitter{
		sink:   sink,
		events: make(chan Event, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

// Emit 非阻塞投递事件
func (a *AsyncEmitter) Emit(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped 返回被丢弃的事件数量
func (a *AsyncEmitter) Dropped() uint64 {
	return a.dropped.Load()
}

// Close 停止接收事件，投递完队列中剩余事件后返回
func (a *AsyncEmitter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()

	<-a.done
	if n := a.Dropped(); n > 0 {
		a.logger.Warn("部分遥测事件被丢弃", zap.Uint64("dropped", n))
	}
}

func (a *AsyncEmitter) loop() {
	defer close(a.done)
	for e := range a.events {
		a.deliver(e)
	}
}

func (a *AsyncEmitter) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("遥测事件投递失败", zap.Any("panic", r), zap.String("target", e.Target))
		}
	}()
	a.sink.Emit(e)
}
