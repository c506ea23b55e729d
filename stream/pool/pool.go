package pool

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/ValentinKolb/dStream/stream/connection"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
)

var Logger = logger.GetLogger("stream/pool")

// Purpose selects one of the two caches
type Purpose int

const (
	PurposePublisher Purpose = iota
	PurposeConsumer
)

func (p Purpose) String() string {
	if p == PurposePublisher {
		return "publisher"
	}
	return "consumer"
}

// IConnection is the part of a connection the pool needs, implemented by *connection.Connection
type IConnection interface {
	ID() string
	RefCount() int
	IncrRefCount()
	IsLeader() bool
	StreamName() string
	VHost() string
	Hostname() string
	Close(ctx context.Context, params connection.ClosingParams) error
}

// CreateFunc opens a new connection for GetOrCreate
type CreateFunc func(ctx context.Context) (IConnection, error)

// Pool holds the cached connections per purpose and key
type Pool struct {
	maxShared int

	mu     sync.Mutex
	caches map[Purpose]map[string][]IConnection

	// serializes check-and-create per purpose and key
	createLocks *xsync.MapOf[string, *sync.Mutex]
}

// New creates an empty pool. A connection is shared by at most maxShared
// publishers or consumers, values < 1 use the default.
func New(maxShared int) *Pool {
	if maxShared < 1 {
		maxShared = common.DefaultMaxSharedConnections
	}
	return &Pool{
		maxShared: maxShared,
		caches: map[Purpose]map[string][]IConnection{
			PurposePublisher: {},
			PurposeConsumer:  {},
		},
		createLocks: xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// CacheKey returns the cache key of a stream on a node
func CacheKey(stream, vhost, host string) string {
	return fmt.Sprintf("%s@%s@%s", stream, vhost, host)
}

// MaxShared returns the maximum number of shared instances per connection
func (p *Pool) MaxShared() int { return p.maxShared }

// GetUsableCachedConnection returns the most recently cached connection for
// the key if its reference count is below the maximum, nil otherwise
func (p *Pool) GetUsableCachedConnection(purpose Purpose, stream, vhost, host string) IConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usableLocked(purpose, CacheKey(stream, vhost, host))
}

func (p *Pool) usableLocked(purpose Purpose, key string) IConnection {
	conns := p.caches[purpose][key]
	if len(conns) == 0 {
		return nil
	}
	last := conns[len(conns)-1]
	if last.RefCount() < p.maxShared {
		return last
	}
	return nil
}

// CacheConnection appends a connection under its key
func (p *Pool) CacheConnection(purpose Purpose, stream, vhost, host string, conn IConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := CacheKey(stream, vhost, host)
	p.caches[purpose][key] = append(p.caches[purpose][key], conn)
	Logger.Debugf("Cached %s connection %s under %s (%d cached)", purpose, conn.ID(), key, len(p.caches[purpose][key]))
}

// RemoveIfUnused evicts the connection and returns true if its reference
// count dropped to zero or below. The cache is chosen by the leader flag of
// the connection: leader connections serve publishers.
func (p *Pool) RemoveIfUnused(conn IConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	// checked under the pool lock, GetOrCreate increments under the same lock
	if conn.RefCount() > 0 {
		return false
	}
	p.removeLocked(conn)
	return true
}

// Remove evicts a connection regardless of its reference count, e.g. after
// its socket was closed
func (p *Pool) Remove(conn IConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(conn)
}

func (p *Pool) removeLocked(conn IConnection) {
	if conn.StreamName() == "" {
		return
	}
	purpose := PurposeConsumer
	if conn.IsLeader() {
		purpose = PurposePublisher
	}

	key := CacheKey(conn.StreamName(), conn.VHost(), conn.Hostname())
	conns := p.caches[purpose][key]
	kept := make([]IConnection, 0, len(conns))
	for _, c := range conns {
		if c != conn {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(conns) {
		return
	}
	if len(kept) == 0 {
		delete(p.caches[purpose], key)
	} else {
		p.caches[purpose][key] = kept
	}
	Logger.Debugf("Evicted %s connection %s from %s", purpose, conn.ID(), key)
}

// GetOrCreate returns a usable cached connection or creates and caches a new
// one. Callers for the same key are serialized, so two concurrent callers do
// not both create a connection when one is enough. The reference count of the
// returned connection is incremented once.
func (p *Pool) GetOrCreate(ctx context.Context, purpose Purpose, stream, vhost, host string, create CreateFunc) (IConnection, error) {
	key := CacheKey(stream, vhost, host)
	lock, _ := p.createLocks.LoadOrCompute(purpose.String()+"/"+key, func() *sync.Mutex { return &sync.Mutex{} })
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	conn := p.usableLocked(purpose, key)
	if conn != nil {
		conn.IncrRefCount()
	}
	p.mu.Unlock()
	if conn != nil {
		Logger.Debugf("Reusing %s connection %s for %s (refs %d)", purpose, conn.ID(), key, conn.RefCount())
		return conn, nil
	}

	conn, err := create(ctx)
	if err != nil {
		return nil, err
	}
	conn.IncrRefCount()
	p.CacheConnection(purpose, stream, vhost, host, conn)
	return conn, nil
}

// Size returns the number of cached connections under a key
func (p *Pool) Size(purpose Purpose, key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.caches[purpose][key])
}

// Len returns the number of cached connections of a purpose
func (p *Pool) Len(purpose Purpose) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, conns := range p.caches[purpose] {
		n += len(conns)
	}
	return n
}

// Drain removes every cached connection and closes it. Close errors are collected.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	var conns []IConnection
	for purpose, cache := range p.caches {
		for _, list := range cache {
			conns = append(conns, list...)
		}
		p.caches[purpose] = map[string][]IConnection{}
	}
	p.mu.Unlock()

	var result *multierror.Error
	for _, conn := range conns {
		err := conn.Close(ctx, connection.ClosingParams{Code: common.ResponseCodeOK, Reason: "pool drained", Manually: true})
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close connection %s", conn.ID()))
		}
	}
	if len(conns) > 0 {
		Logger.Infof("Drained %d connections", len(conns))
	}
	return result.ErrorOrNil()
}
