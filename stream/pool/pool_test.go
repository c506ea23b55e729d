package pool

import (
	"context"
	"github.com/ValentinKolb/dStream/stream/connection"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeConn is a connection that only counts references
type fakeConn struct {
	id       string
	leader   bool
	stream   string
	vhost    string
	host     string
	refs     atomic.Int32
	closed   atomic.Int32
	closeErr error
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RefCount() int      { return int(c.refs.Load()) }
func (c *fakeConn) IncrRefCount()      { c.refs.Add(1) }
func (c *fakeConn) IsLeader() bool     { return c.leader }
func (c *fakeConn) StreamName() string { return c.stream }
func (c *fakeConn) VHost() string      { return c.vhost }
func (c *fakeConn) Hostname() string   { return c.host }
func (c *fakeConn) Close(context.Context, connection.ClosingParams) error {
	c.closed.Add(1)
	return c.closeErr
}

func newFakeConn(id string, leader bool) *fakeConn {
	return &fakeConn{id: id, leader: leader, stream: "S1", vhost: "/", host: "host1"}
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "S1@/@host1", CacheKey("S1", "/", "host1"))
}

// TestSharedUpToMax caches one connection with max 2 shared instances: it is
// returned until its ref count reaches 2, then a second one must be created
func TestSharedUpToMax(t *testing.T) {
	p := New(2)
	ctx := context.Background()
	created := 0
	create := func(ctx context.Context) (IConnection, error) {
		created++
		return newFakeConn("c"+string(rune('0'+created)), true), nil
	}

	first, err := p.GetOrCreate(ctx, PurposePublisher, "S1", "/", "host1", create)
	require.NoError(t, err)
	assert.Equal(t, 1, first.RefCount())
	assert.Same(t, first, p.GetUsableCachedConnection(PurposePublisher, "S1", "/", "host1"))

	second, err := p.GetOrCreate(ctx, PurposePublisher, "S1", "/", "host1", create)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 2, first.RefCount())
	assert.Nil(t, p.GetUsableCachedConnection(PurposePublisher, "S1", "/", "host1"))

	third, err := p.GetOrCreate(ctx, PurposePublisher, "S1", "/", "host1", create)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, p.Size(PurposePublisher, "S1@/@host1"))

	// the consumer cache is independent
	assert.Nil(t, p.GetUsableCachedConnection(PurposeConsumer, "S1", "/", "host1"))
	assert.Equal(t, 0, p.Len(PurposeConsumer))
}

func TestGetUsableCachedConnectionReturnsLast(t *testing.T) {
	p := New(2)
	a, b := newFakeConn("a", false), newFakeConn("b", false)
	p.CacheConnection(PurposeConsumer, "S1", "/", "host1", a)
	p.CacheConnection(PurposeConsumer, "S1", "/", "host1", b)

	assert.Same(t, b, p.GetUsableCachedConnection(PurposeConsumer, "S1", "/", "host1"))

	// the last one is full, older entries are not searched
	b.refs.Store(2)
	assert.Nil(t, p.GetUsableCachedConnection(PurposeConsumer, "S1", "/", "host1"))
}

func TestRemoveIfUnused(t *testing.T) {
	tests := []struct {
		name        string
		refs        int32
		leader      bool
		expected    bool
		expectedLen int
	}{
		{"InUse", 1, true, false, 1},
		{"ZeroRefs", 0, true, true, 0},
		{"NegativeRefs", -1, true, true, 0},
		{"ConsumerZeroRefs", 0, false, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(2)
			conn := newFakeConn("c", tt.leader)
			conn.refs.Store(tt.refs)
			purpose := PurposeConsumer
			if tt.leader {
				purpose = PurposePublisher
			}
			p.CacheConnection(purpose, "S1", "/", "host1", conn)

			assert.Equal(t, tt.expected, p.RemoveIfUnused(conn))
			assert.Equal(t, tt.expectedLen, p.Size(purpose, "S1@/@host1"))
			assert.Equal(t, int32(0), conn.closed.Load(), "the pool never closes on eviction")
		})
	}
}

func TestRemoveIfUnusedKeepsOthers(t *testing.T) {
	p := New(2)
	a, b := newFakeConn("a", true), newFakeConn("b", true)
	a.refs.Store(1)
	p.CacheConnection(PurposePublisher, "S1", "/", "host1", a)
	p.CacheConnection(PurposePublisher, "S1", "/", "host1", b)

	assert.True(t, p.RemoveIfUnused(b))
	assert.Equal(t, 1, p.Size(PurposePublisher, "S1@/@host1"))
	assert.Same(t, a, p.GetUsableCachedConnection(PurposePublisher, "S1", "/", "host1"))
}

func TestGetOrCreateConcurrent(t *testing.T) {
	p := New(10)
	var created atomic.Int32
	create := func(ctx context.Context) (IConnection, error) {
		created.Add(1)
		return newFakeConn("c", false), nil
	}

	var wg sync.WaitGroup
	conns := make([]IConnection, 10)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := p.GetOrCreate(context.Background(), PurposeConsumer, "S1", "/", "host1", create)
			assert.NoError(t, err)
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 10, conns[0].RefCount())
	assert.Equal(t, 1, p.Size(PurposeConsumer, "S1@/@host1"))
}

func TestGetOrCreateError(t *testing.T) {
	p := New(2)
	_, err := p.GetOrCreate(context.Background(), PurposeConsumer, "S1", "/", "host1", func(ctx context.Context) (IConnection, error) {
		return nil, errors.New("dial failed")
	})
	assert.EqualError(t, err, "dial failed")
	assert.Equal(t, 0, p.Len(PurposeConsumer))
}

func TestDrain(t *testing.T) {
	p := New(2)
	a, b := newFakeConn("a", true), newFakeConn("b", false)
	b.closeErr = errors.New("boom")
	p.CacheConnection(PurposePublisher, "S1", "/", "host1", a)
	p.CacheConnection(PurposeConsumer, "S1", "/", "host1", b)

	err := p.Drain(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, int32(1), b.closed.Load())
	assert.Equal(t, 0, p.Len(PurposePublisher))
	assert.Equal(t, 0, p.Len(PurposeConsumer))

	assert.NoError(t, p.Drain(context.Background()))
}

func TestRemoveEvictsInUse(t *testing.T) {
	p := New(2)
	conn := newFakeConn("a", false)
	conn.refs.Store(1)
	p.CacheConnection(PurposeConsumer, "S1", "/", "host1", conn)

	p.Remove(conn)
	assert.Equal(t, 0, p.Size(PurposeConsumer, "S1@/@host1"))
	// removing twice is a no-op
	p.Remove(conn)
}
