// Package lock 提供按聚合 id 加锁的互斥原语。
// 同一订单的 "读版本, 校验, 追加事件, 更新投影" 必须在同一把锁内完成。
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockTimeout 在等待锁超时时返回
var ErrLockTimeout = errors.New("lock: timeout waiting for lock")

// Unlock 释放一次 Lock 获得的锁，可重复调用
type Unlock func()

// Locker 按 key 串行化临界区。不同 key 之间互不阻塞。
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// KeyedMutex 是进程内实现，适用于单实例部署和测试
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.release(key, s)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}
