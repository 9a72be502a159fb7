package mq

import (
	"fmt"

	"qrpay/internal/config"

	"github.com/IBM/sarama"
)

// Producer 对 sarama.SyncProducer 的薄封装，支付结果消息统一从这里发出
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer 按配置创建 Kafka 同步生产者
func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	sp, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return NewProducerFrom(sp), nil
}

// NewProducerFrom 包装已有的生产者，测试里传入 sarama/mocks
func NewProducerFrom(sp sarama.SyncProducer) *Producer {
	return &Producer{producer: sp}
}

// SendMessage 同步发送，返回 broker 确认前的错误
func (p *Producer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("发送 Kafka 消息失败 topic=%s key=%s: %w", topic, key, err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
