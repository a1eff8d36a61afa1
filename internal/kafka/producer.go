// Package kafka 发布链上结算与通知结果事件
//
// Topic:
//   - chain-settlements: 交易随区块确认后发送，Key 为交易哈希，消息为 model.SettlementEvent
//   - notification-results: 每次 webhook 推送后发送，Key 为通知 ID，消息为 model.NotificationResultEvent
//
// 事件发布是尽力而为的，失败只记录日志，不影响账本状态。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/metrics"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

const (
	// TopicSettlements 结算事件 Topic
	TopicSettlements = "chain-settlements"
	// TopicNotificationResults 通知推送结果 Topic
	TopicNotificationResults = "notification-results"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerWith(producer), nil
}

// NewProducerWith 使用已有的 SyncProducer
func NewProducerWith(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	metrics.RecordKafkaMessage(topic, err)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishSettlement(ctx context.Context, event *model.SettlementEvent) error
	PublishNotificationResult(ctx context.Context, event *model.NotificationResultEvent) error
}

// KafkaEventPublisher Kafka 事件发布器
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
	}
}

// PublishSettlement 发送结算事件
func (p *KafkaEventPublisher) PublishSettlement(ctx context.Context, event *model.SettlementEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.producer.send(TopicSettlements, event.TxHash, data)
}

// PublishNotificationResult 发送通知推送结果
func (p *KafkaEventPublisher) PublishNotificationResult(ctx context.Context, event *model.NotificationResultEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.producer.send(TopicNotificationResults, strconv.FormatInt(event.NotificationID, 10), data)
}

// NoopPublisher 未配置 Kafka 时使用
type NoopPublisher struct{}

func (NoopPublisher) PublishSettlement(ctx context.Context, event *model.SettlementEvent) error {
	return nil
}

func (NoopPublisher) PublishNotificationResult(ctx context.Context, event *model.NotificationResultEvent) error {
	return nil
}
