// Package kafka implements a Kafka destination driver: it hands each
// Message to an async Sarama producer, falling back to a QDisk
// durable queue when the dispatch runtime reports backpressure so a
// slow or unreachable broker never blocks the graph.
package kafka

import (
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/apperr"
	"github.com/nadorp/logpipe/pkg/message"
	"github.com/nadorp/logpipe/pkg/pipe"
	"github.com/nadorp/logpipe/pkg/qdisk"
)

// AuthConfig configures SASL authentication.
type AuthConfig struct {
	Enabled   bool
	Username  string
	Password  string
	Mechanism string // PLAIN | SCRAM-SHA-256 | SCRAM-SHA-512
}

// Config describes one Kafka destination.
type Config struct {
	Name            string
	Brokers         []string
	Topic           string
	Compression     string // gzip | snappy | lz4 | zstd | none
	RequiredAcks    int16
	MaxMessageBytes int
	RetryMax        int
	Auth            AuthConfig
	Fallback        *qdisk.QDisk // if set, receives every message whose path requests flow control, instead of the producer
}

// Destination wraps a Sarama async producer behind a pipe.DestinationPipe.
type Destination struct {
	cfg      Config
	producer sarama.AsyncProducer
	logger   *logrus.Logger
	bodyH    message.Handle
}

// New connects an async producer for cfg and returns the destination.
func New(cfg Config, logger *logrus.Logger) (*Destination, error) {
	if len(cfg.Brokers) == 0 {
		return nil, apperr.Config("kafka.New", "no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, apperr.Config("kafka.New", "no topic configured")
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if cfg.RequiredAcks != 0 {
		sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	}
	if cfg.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}
	if cfg.RetryMax > 0 {
		sc.Producer.Retry.Max = cfg.RetryMax
	}
	switch strings.ToLower(cfg.Compression) {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if cfg.Auth.Enabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.Auth.Username
		sc.Net.SASL.Password = cfg.Auth.Password
		switch strings.ToUpper(cfg.Auth.Mechanism) {
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{HashGeneratorFcn: sha256Generator}
			}
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &scramClient{HashGeneratorFcn: sha512Generator}
			}
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, apperr.IO("kafka.New", "failed to create producer").Wrap(err)
	}

	d := &Destination{cfg: cfg, producer: producer, logger: logger}
	go d.drainResults()
	return d, nil
}

// drainResults consumes the producer's success/error channels so its
// internal buffers never fill and stall send.
func (d *Destination) drainResults() {
	for {
		select {
		case succ, ok := <-d.producer.Successes():
			if !ok {
				return
			}
			_ = succ
			metrics.KafkaMessagesProducedTotal.WithLabelValues(d.cfg.Topic, "ok").Inc()
		case err, ok := <-d.producer.Errors():
			if !ok {
				return
			}
			d.logger.WithError(err.Err).WithField("topic", d.cfg.Topic).Warn("kafka destination: produce error")
			metrics.KafkaMessagesProducedTotal.WithLabelValues(d.cfg.Topic, "error").Inc()
		}
	}
}

// Pipe builds the pipe.DestinationPipe driver code for this Destination.
func (d *Destination) Pipe() *pipe.DestinationPipe {
	return pipe.NewDestinationPipe(d.cfg.Name, d.send)
}

func (d *Destination) send(msg *message.Message, path *pipe.PathOptions) {
	if path.FlowControlRequested && d.cfg.Fallback != nil {
		if err := d.cfg.Fallback.Push(msg); err != nil {
			d.logger.WithError(err).Warn("kafka destination: fallback push failed, dropping")
			msg.Ack(message.AckAborted)
			return
		}
		metrics.KafkaQDiskFallbackTotal.WithLabelValues(d.cfg.Topic).Inc()
		msg.Ack(message.AckProcessed)
		return
	}

	body, err := msg.Serialize()
	if err != nil {
		d.logger.WithError(err).WithField("topic", d.cfg.Topic).Warn("kafka destination: serialize failed, dropping")
		msg.Ack(message.AckAborted)
		return
	}
	pmsg := &sarama.ProducerMessage{
		Topic:     d.cfg.Topic,
		Value:     sarama.ByteEncoder(body),
		Timestamp: time.Now(),
	}
	select {
	case d.producer.Input() <- pmsg:
		msg.Ack(message.AckProcessed)
	default:
		d.logger.Warn("kafka destination: producer input full, dropping message")
		msg.Ack(message.AckAborted)
	}
}

// Close flushes and closes the underlying producer.
func (d *Destination) Close() error {
	return d.producer.Close()
}
