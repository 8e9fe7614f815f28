package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"sudooom.im.convstate/internal/proto"
)

// EventHandler 会话事件处理器接口
type EventHandler interface {
	HandleMessageStored(ctx context.Context, event *proto.MessageStored)
	HandleConversationRead(ctx context.Context, event *proto.ConversationRead)
}

// SubscriberConfig 订阅配置
type SubscriberConfig struct {
	Subject     string // 订阅主题
	QueueGroup  string // 队列组，多实例负载均衡
	WorkerCount int    // Worker 数量
	BufferSize  int    // 消息缓冲区大小
}

// EventSubscriber 会话事件订阅器
// NATS 回调只负责入队，解码和处理在 worker 中进行
type EventSubscriber struct {
	nc           *nats.Conn
	handler      EventHandler
	logger       *slog.Logger
	subscription *nats.Subscription
	config       SubscriberConfig
	msgChan      chan *nats.Msg
	wg           sync.WaitGroup
	cancelFunc   context.CancelFunc
	dropped      atomic.Int64
}

// NewEventSubscriber 创建事件订阅器
func NewEventSubscriber(nc *nats.Conn, handler EventHandler, config SubscriberConfig) *EventSubscriber {
	// 设置默认值
	if config.Subject == "" {
		config.Subject = "im.convstate.events"
	}
	if config.QueueGroup == "" {
		config.QueueGroup = "convstate-group"
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 32
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}

	return &EventSubscriber{
		nc:      nc,
		handler: handler,
		logger:  slog.Default(),
		config:  config,
		msgChan: make(chan *nats.Msg, config.BufferSize),
	}
}

// Start 启动订阅
func (s *EventSubscriber) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(workerCtx)
	}

	sub, err := s.nc.QueueSubscribe(s.config.Subject, s.config.QueueGroup, s.enqueue)
	if err != nil {
		cancel()
		s.wg.Wait()
		return err
	}

	s.subscription = sub
	s.logger.Info("NATS subscriber started",
		"subject", s.config.Subject,
		"queueGroup", s.config.QueueGroup,
		"workerCount", s.config.WorkerCount,
		"bufferSize", s.config.BufferSize,
	)
	return nil
}

// enqueue NATS 回调，缓冲区满时丢弃并计数
func (s *EventSubscriber) enqueue(msg *nats.Msg) {
	select {
	case s.msgChan <- msg:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Event buffer full, dropping event", "bufferSize", s.config.BufferSize)
	}
}

// worker 工作协程，退出前处理完缓冲区中已入队的事件
func (s *EventSubscriber) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx))
			return
		case msg := <-s.msgChan:
			s.handleEvent(ctx, msg.Data)
		}
	}
}

// drain 非阻塞地处理剩余事件，缓冲区为空即返回
func (s *EventSubscriber) drain(ctx context.Context) {
	for {
		select {
		case msg := <-s.msgChan:
			s.handleEvent(ctx, msg.Data)
		default:
			return
		}
	}
}

// handleEvent 解码事件并分发
func (s *EventSubscriber) handleEvent(ctx context.Context, data []byte) {
	var event proto.ConversationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Error("Failed to unmarshal event", "error", err)
		return
	}

	switch {
	case event.Payload.MessageStored != nil:
		s.handler.HandleMessageStored(ctx, event.Payload.MessageStored)
	case event.Payload.ConversationRead != nil:
		s.handler.HandleConversationRead(ctx, event.Payload.ConversationRead)
	default:
		s.logger.Warn("Unknown event payload", "eventId", event.EventId)
	}
}

// Stop 停止订阅
// 先退订，再通知 worker 处理完已入队的事件后退出。
// msgChan 不关闭：退订后仍可能有在途回调写入
func (s *EventSubscriber) Stop() error {
	if s.subscription != nil {
		if err := s.subscription.Unsubscribe(); err != nil {
			s.logger.Error("Failed to unsubscribe", "error", err)
		}
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.wg.Wait()

	s.logger.Info("NATS subscriber stopped", "pending", len(s.msgChan), "dropped", s.dropped.Load())
	return nil
}

// GetBufferUsage 获取缓冲区使用情况（用于监控）
func (s *EventSubscriber) GetBufferUsage() (current int, capacity int) {
	return len(s.msgChan), cap(s.msgChan)
}

// Dropped 因缓冲区满丢弃的事件数
func (s *EventSubscriber) Dropped() int64 {
	return s.dropped.Load()
}
