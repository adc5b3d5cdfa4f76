// Package queue wires the command queue and event bus onto Kafka via
// sarama. Producers satisfy the interfaces the outbox relay dispatches
// through; consumers dispatch inbound command/reply/event messages to
// registered handlers by topic.
package queue

import (
	"time"

	"github.com/IBM/sarama"
)

// Config holds the broker-wide settings shared by the producer and
// every consumer group this process runs.
type Config struct {
	Brokers           []string
	Version           string
	SASLEnabled       bool
	SASLUser          string
	SASLPassword      string
	ConnectionTimeout time.Duration
}

func newSaramaConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = v
	}

	if cfg.SASLEnabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPassword
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}

	if cfg.ConnectionTimeout > 0 {
		sc.Net.DialTimeout = cfg.ConnectionTimeout
		sc.Net.ReadTimeout = cfg.ConnectionTimeout
		sc.Net.WriteTimeout = cfg.ConnectionTimeout
	}

	return sc, nil
}
