package watchbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries the events of every resource; the message key is
// the resource key.
const DefaultKafkaTopic = "docsync.events"

// KafkaWatchBus implements WatchBus on a single Kafka topic partition.
type KafkaWatchBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	// client is set when the bus dialed the brokers itself.
	client sarama.Client

	mu   sync.Mutex
	pc   sarama.PartitionConsumer
	subs map[string][]chan []byte
}

// KafkaOption configures a KafkaWatchBus.
type KafkaOption func(*KafkaWatchBus)

// WithTopic sets the topic used for events.
func WithTopic(topic string) KafkaOption {
	return func(b *KafkaWatchBus) { b.topic = topic }
}

// NewKafkaWatchBus returns a bus publishing with producer and reading with
// consumer. The consumer starts at the newest offset on the first Watch.
func NewKafkaWatchBus(producer sarama.SyncProducer, consumer sarama.Consumer, opts ...KafkaOption) *KafkaWatchBus {
	b := &KafkaWatchBus{
		producer: producer,
		consumer: consumer,
		topic:    DefaultKafkaTopic,
		subs:     make(map[string][]chan []byte),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DialKafka connects to brokers and returns a bus owning the connection.
func DialKafka(brokers []string, cfg *sarama.Config, opts ...KafkaOption) (*KafkaWatchBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaWatchBus(producer, consumer, opts...)
	b.client = client
	return b, nil
}

// Publish implements WatchBus.
func (b *KafkaWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

// Watch implements WatchBus.
func (b *KafkaWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.pc = pc
		go b.dispatch(pc)
	}
	ch := make(chan []byte, 16)
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaWatchBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		key := string(msg.Key)
		b.mu.Lock()
		for _, ch := range b.subs[key] {
			select {
			case ch <- msg.Value:
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unwatch implements WatchBus.
func (b *KafkaWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	return nil
}

// Close stops consuming and closes the producer and consumer.
func (b *KafkaWatchBus) Close() error {
	b.mu.Lock()
	pc := b.pc
	b.pc = nil
	b.mu.Unlock()
	var first error
	if pc != nil {
		first = pc.Close()
	}
	if err := b.producer.Close(); err != nil && first == nil {
		first = err
	}
	if err := b.consumer.Close(); err != nil && first == nil {
		first = err
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
