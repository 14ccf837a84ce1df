package changefeed

import (
	"context"
	"sync"
)

const defaultBuffer = 256

// Broker 是进程内的 Feed 实现，单进程部署与测试使用。
type Broker struct {
	mu     sync.Mutex
	subs   map[Topic]map[*memStream]struct{}
	buffer int
	closed bool
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{subs: make(map[Topic]map[*memStream]struct{}), buffer: buffer}
}

// Publish 不阻塞：缓冲区已满的订阅者会以 ErrOverflow 终止。
func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[ev.Topic()] {
		select {
		case s.ch <- ev:
		default:
			b.dropLocked(s, ErrOverflow)
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic Topic) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memStream{broker: b, topic: topic, ch: make(chan Event, b.buffer), done: make(chan struct{})}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memStream]struct{})
	}
	b.subs[topic][s] = struct{}{}
	return s, nil
}

// Subscribers 返回某条流当前的订阅者数量。
func (b *Broker) Subscribers(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Fail 以 err 终止某条流的全部订阅，模拟底层存储不可达。
func (b *Broker) Fail(topic Topic, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[topic] {
		b.dropLocked(s, err)
	}
}

// Close 终止所有订阅并拒绝后续发布。
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			b.dropLocked(s, ErrClosed)
		}
	}
	return nil
}

func (b *Broker) dropLocked(s *memStream, err error) {
	set := b.subs[s.topic]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.topic)
	}
	s.err = err
	close(s.done)
}

type memStream struct {
	broker *Broker
	topic  Topic
	ch     chan Event
	done   chan struct{}
	err    error // 在 done 关闭前写入
}

// Next 先排空已缓冲的事件，再报告流的终止原因。
func (s *memStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
		}
		return Event{}, s.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *memStream) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.dropLocked(s, ErrClosed)
	return nil
}
