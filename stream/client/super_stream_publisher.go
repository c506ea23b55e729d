package client

import (
	"context"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	concpool "github.com/sourcegraph/conc/pool"
	"github.com/spaolacci/murmur3"
	"sync"
	"sync/atomic"
)

// RoutingStrategy selects the partitions of a message
type RoutingStrategy int

const (
	// RoutingHash sends a message to the partition murmur3(key) % partitions
	RoutingHash RoutingStrategy = iota
	// RoutingKey asks the broker which partitions are bound to the key
	RoutingKey
)

const routingHashSeed = 104729

func (s RoutingStrategy) String() string {
	switch s {
	case RoutingHash:
		return "hash"
	case RoutingKey:
		return "key"
	default:
		return "unknown"
	}
}

// hashPartition returns the index of the partition a routing key hashes to
func hashPartition(routingKey string, partitions int) int {
	return int(murmur3.Sum32WithSeed([]byte(routingKey), routingHashSeed) % uint32(partitions))
}

// PartitionConfirmation is the outcome of a message published to a partition
type PartitionConfirmation struct {
	Partition string
	Confirmation
}

// SuperStreamPublisherConfig configures a super stream publisher
type SuperStreamPublisherConfig struct {
	SuperStream string
	// PublisherRef is used for every partition publisher
	PublisherRef string
	Routing      RoutingStrategy
	// KeyExtractor returns the routing key of a message
	KeyExtractor  func(msg Message) string
	BatchSize     int
	ConfirmBuffer int
}

// SuperStreamPublisher routes messages to the partitions of a super stream.
// Partition publishers are declared on first use.
type SuperStreamPublisher struct {
	client     *Client
	config     SuperStreamPublisherConfig
	partitions []string

	routes     *xsync.MapOf[string, []string]
	publishers *xsync.MapOf[string, *Publisher]
	declareMu  sync.Mutex

	confirms  chan PartitionConfirmation
	forwarder sync.WaitGroup
	done      chan struct{}
	closed    atomic.Bool
}

// DeclareSuperStreamPublisher creates a publisher for a super stream
func (c *Client) DeclareSuperStreamPublisher(ctx context.Context, config SuperStreamPublisherConfig) (*SuperStreamPublisher, error) {
	if config.SuperStream == "" {
		return nil, errors.New("super stream publisher needs a super stream")
	}
	if config.KeyExtractor == nil {
		return nil, errors.New("super stream publisher needs a key extractor")
	}
	if config.ConfirmBuffer <= 0 {
		config.ConfirmBuffer = defaultConfirmBuffer
	}
	partitions, err := c.QueryPartitions(ctx, config.SuperStream)
	if err != nil {
		return nil, errors.Wrapf(err, "query partitions of %s", config.SuperStream)
	}
	if len(partitions) == 0 {
		return nil, errors.Errorf("super stream %s has no partitions", config.SuperStream)
	}

	Logger.Infof("Declared super stream publisher on %s (%d partitions, %s routing)", config.SuperStream, len(partitions), config.Routing)
	return &SuperStreamPublisher{
		client:     c,
		config:     config,
		partitions: partitions,
		routes:     xsync.NewMapOf[string, []string](),
		publishers: xsync.NewMapOf[string, *Publisher](),
		confirms:   make(chan PartitionConfirmation, config.ConfirmBuffer),
		done:       make(chan struct{}),
	}, nil
}

// Send routes every message by its key and publishes it to its partitions
func (s *SuperStreamPublisher) Send(ctx context.Context, messages ...Message) error {
	if s.closed.Load() {
		return ErrPublisherClosed
	}

	// keep the order of the messages per partition
	var order []string
	byPartition := make(map[string][]Message)
	for _, msg := range messages {
		targets, err := s.route(ctx, msg)
		if err != nil {
			return err
		}
		for _, partition := range targets {
			if _, ok := byPartition[partition]; !ok {
				order = append(order, partition)
			}
			byPartition[partition] = append(byPartition[partition], msg)
		}
	}

	for _, partition := range order {
		publisher, err := s.publisher(ctx, partition)
		if err != nil {
			return err
		}
		if err := publisher.Send(ctx, byPartition[partition]...); err != nil {
			return errors.Wrapf(err, "send to partition %s", partition)
		}
	}
	return nil
}

// route returns the partitions a message is published to
func (s *SuperStreamPublisher) route(ctx context.Context, msg Message) ([]string, error) {
	key := s.config.KeyExtractor(msg)
	if key == "" {
		return nil, errors.New("message has no routing key")
	}

	if s.config.Routing == RoutingHash {
		return []string{s.partitions[hashPartition(key, len(s.partitions))]}, nil
	}

	if cached, ok := s.routes.Load(key); ok {
		return cached, nil
	}
	targets, err := s.client.RouteQuery(ctx, key, s.config.SuperStream)
	if err != nil {
		return nil, errors.Wrapf(err, "route %s", key)
	}
	if len(targets) == 0 {
		return nil, errors.Errorf("no partition of %s is bound to key %s", s.config.SuperStream, key)
	}
	s.routes.Store(key, targets)
	return targets, nil
}

// publisher returns the publisher of a partition, declaring it on first use
func (s *SuperStreamPublisher) publisher(ctx context.Context, partition string) (*Publisher, error) {
	if p, ok := s.publishers.Load(partition); ok && !p.IsClosed() {
		return p, nil
	}

	s.declareMu.Lock()
	defer s.declareMu.Unlock()
	if p, ok := s.publishers.Load(partition); ok && !p.IsClosed() {
		return p, nil
	}
	if s.closed.Load() {
		return nil, ErrPublisherClosed
	}

	p, err := s.client.DeclarePublisher(ctx, PublisherConfig{
		Stream:        partition,
		PublisherRef:  s.config.PublisherRef,
		BatchSize:     s.config.BatchSize,
		ConfirmBuffer: s.config.ConfirmBuffer,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "declare publisher on partition %s", partition)
	}
	s.publishers.Store(partition, p)

	s.forwarder.Add(1)
	go s.forward(partition, p)
	return p, nil
}

func (s *SuperStreamPublisher) forward(partition string, p *Publisher) {
	defer s.forwarder.Done()
	for confirmation := range p.Confirms() {
		select {
		case s.confirms <- PartitionConfirmation{Partition: partition, Confirmation: confirmation}:
		case <-s.done:
			return
		}
	}
}

// Confirms returns the confirmations of all partitions. Unread confirmations
// are queued in memory. It is closed with the publisher.
func (s *SuperStreamPublisher) Confirms() <-chan PartitionConfirmation { return s.confirms }

// Partitions returns the partition streams
func (s *SuperStreamPublisher) Partitions() []string { return s.partitions }

// Publisher returns the publisher of a partition if it was declared
func (s *SuperStreamPublisher) Publisher(partition string) (*Publisher, bool) {
	return s.publishers.Load(partition)
}

// Close closes the partition publishers concurrently
func (s *SuperStreamPublisher) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.declareMu.Lock()
	var publishers []*Publisher
	s.publishers.Range(func(_ string, p *Publisher) bool {
		publishers = append(publishers, p)
		return true
	})
	s.declareMu.Unlock()

	errs := make(chan error, len(publishers))
	p := concpool.New()
	for _, publisher := range publishers {
		p.Go(func() {
			if err := publisher.Close(ctx); err != nil {
				errs <- err
			}
		})
	}
	p.Wait()
	close(errs)

	close(s.done)
	s.forwarder.Wait()
	close(s.confirms)

	var result *multierror.Error
	for err := range errs {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
