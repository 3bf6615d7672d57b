// Package kafka builds the sarama producer used to mirror webhook
// payloads onto a Kafka topic for downstream consumers.
package kafka

import (
	"github.com/IBM/sarama"
)

func InitProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner // Consistent hashing per app
	config.Version = sarama.V2_0_0_0
	config.ClientID = "soketi"
	config.Producer.MaxMessageBytes = 1000000 // 1MB

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return producer, nil
}
