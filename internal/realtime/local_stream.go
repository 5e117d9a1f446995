package realtime

import (
	"context"
	"sync"
)

// LocalStream 进程内实现，未配置 MQ 时使用，也用于测试
type LocalStream struct {
	name string

	mu     sync.Mutex
	nextID int
	subs   map[int]localSub
}

type localSub struct {
	onBatch func(Batch)
	onError func(error)
}

func NewLocalStream(name string) *LocalStream {
	return &LocalStream{name: name, subs: make(map[int]localSub)}
}

func (s *LocalStream) Name() string { return s.name }

func (s *LocalStream) Subscribe(_ context.Context, onBatch func(Batch), onError func(error)) (func(), error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = localSub{onBatch: onBatch, onError: onError}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

// Publish 同步投递给所有订阅者
func (s *LocalStream) Publish(batch Batch) {
	if batch.Source == "" {
		batch.Source = s.name
	}
	for _, sub := range s.snapshot() {
		sub.onBatch(batch)
	}
}

// Fail 向所有订阅者报告错误
func (s *LocalStream) Fail(err error) {
	for _, sub := range s.snapshot() {
		sub.onError(err)
	}
}

// Subscribers 当前订阅数
func (s *LocalStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *LocalStream) snapshot() []localSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]localSub, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}
