package config

import (
	"github.com/segmentio/kafka-go"
)

// NewFlushEventWriter builds the writer the counter engine publishes flush
// events to. Returns nil when no brokers are configured, which disables
// publishing. The CRC32 balancer keys partitions by page id so one page's
// events stay ordered.
func NewFlushEventWriter(brokers []string, topic string) *kafka.Writer {
	if len(brokers) == 0 {
		return nil
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.CRC32Balancer{},
		AllowAutoTopicCreation: true,
	}
}
