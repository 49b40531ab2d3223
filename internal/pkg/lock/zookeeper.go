package lock

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"nexus-orders/internal/pkg/logger"
)

// ZKLocker 使用临时顺序节点实现公平的分布式锁。
// 会话断开时临时节点自动删除，持有者崩溃不会留下死锁。
type ZKLocker struct {
	conn *zk.Conn
	root string
}

// NewZKLocker 创建锁，root 不存在时自动创建
func NewZKLocker(conn *zk.Conn, root string) (*ZKLocker, error) {
	if root == "" {
		root = "/order_locks"
	}
	if err := ensureNode(conn, root); err != nil {
		return nil, err
	}
	return &ZKLocker{conn: conn, root: root}, nil
}

func ensureNode(conn *zk.Conn, path string) error {
	_, err := conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "create zk node %s", path)
	}
	return nil
}

func (l *ZKLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	path := l.root + "/" + key
	if err := ensureNode(l.conn, path); err != nil {
		return nil, err
	}

	node, err := l.conn.CreateProtectedEphemeralSequential(path+"/lock-", nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, errors.Wrap(err, "create sequential node")
	}
	release := func() {
		if err := l.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			logger.Ctx(ctx).Warn().Err(err).Str("node", node).Msg("failed to delete zk lock node")
		}
	}

	if err := l.wait(ctx, path, node); err != nil {
		release()
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// wait 阻塞直到 node 成为最小序号节点
func (l *ZKLocker) wait(ctx context.Context, path, node string) error {
	mine := strings.TrimPrefix(node, path+"/")
	for {
		children, _, err := l.conn.Children(path)
		if err != nil {
			return errors.Wrap(err, "list lock children")
		}
		// protected 节点带有 _c_<guid>- 前缀，按序号后缀排序
		sort.Slice(children, func(i, j int) bool { return seqOf(children[i]) < seqOf(children[j]) })

		idx := -1
		for i, c := range children {
			if c == mine {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			return errors.Errorf("lock node %s vanished", node)
		case idx == 0:
			return nil
		}

		exists, _, events, err := l.conn.ExistsW(path + "/" + children[idx-1])
		if err != nil {
			return errors.Wrap(err, "watch previous lock node")
		}
		if !exists {
			continue
		}
		select {
		case <-events:
		case <-ctx.Done():
			return ErrLockTimeout
		}
	}
}

func seqOf(name string) string {
	if i := strings.LastIndex(name, "lock-"); i >= 0 {
		return name[i+len("lock-"):]
	}
	return name
}
