package collab

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// KafkaDispatcher publishes DocOpEvents in the background. Submit only pays
// for the enqueue; a slow broker fills the queue, and events that still fail
// after MaxRetry attempts are logged and dropped. Consumers can rebuild any
// gap from snapshots, so delivery is best effort.
//
// Each worker owns one queue and a document always hashes to the same one,
// so a document's events reach Kafka in revision order, retries included.
// A dropped event leaves a gap; it never reorders the rest.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	// 限制同时在途的 SendMessage
	inflight *SemaphoreControl
	opt      KafkaDispatcherOptions

	// 每个 worker 一个队列，容量 QueueSize
	queues  []chan DocOpEvent
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, inflight *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.QueueSize < 0 {
		opt.QueueSize = 0
	}
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		inflight: inflight,
		opt:      opt,
		queues:   make([]chan DocOpEvent, opt.Workers),
	}
	for i := range d.queues {
		d.queues[i] = make(chan DocOpEvent, opt.QueueSize)
		d.wg.Add(1)
		go d.run(i, d.queues[i])
	}
	return d
}

// Enqueue waits for space in the document's queue until ctx is done.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	select {
	case d.queueFor(evt.DocID) <- evt:
		return nil
	case <-ctx.Done():
		d.dropped.Add(1)
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queues to drain.
func (d *KafkaDispatcher) Close() {
	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
}

func (d *KafkaDispatcher) queueFor(docID string) chan DocOpEvent {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

// Dropped counts events that were never delivered, either rejected by a
// full queue or abandoned after the last retry.
func (d *KafkaDispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *KafkaDispatcher) run(worker int, queue <-chan DocOpEvent) {
	defer d.wg.Done()
	for evt := range queue {
		if err := d.deliver(evt); err != nil {
			d.dropped.Add(1)
			log.Printf("kafka send failed, drop event doc=%s op=%s rev=%d worker=%d err=%v",
				evt.DocID, evt.OperationID, evt.Revision, worker, err)
		}
	}
}

func (d *KafkaDispatcher) deliver(evt DocOpEvent) error {
	msg, err := d.message(evt)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		if err = d.send(msg); err == nil || attempt >= d.opt.MaxRetry {
			return err
		}
		time.Sleep(d.backoff(attempt))
	}
}

func (d *KafkaDispatcher) send(msg *sarama.ProducerMessage) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	if d.inflight != nil {
		// worker 可以一直等，不影响提交链路
		_ = d.inflight.Acquire(context.Background())
		defer func() { _ = d.inflight.Release() }()
	}
	_, _, err := d.producer.SendMessage(msg)
	return err
}

func (d *KafkaDispatcher) message(evt DocOpEvent) (*sarama.ProducerMessage, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: d.topic,
		// 按 docId 分区；分区内的顺序由 queueFor 保证
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(evt.EventType)},
			{Key: []byte("revision"), Value: []byte(strconv.FormatUint(evt.Revision, 10))},
		},
	}, nil
}

// backoff doubles from BaseBackoff and stops at MaxBackoff.
func (d *KafkaDispatcher) backoff(attempt int) time.Duration {
	wait := d.opt.BaseBackoff << attempt
	if d.opt.MaxBackoff > 0 && (wait > d.opt.MaxBackoff || wait <= 0) {
		wait = d.opt.MaxBackoff
	}
	return wait
}
