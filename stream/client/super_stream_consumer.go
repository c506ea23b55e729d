package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	concpool "github.com/sourcegraph/conc/pool"
	"sync/atomic"
)

// SuperStreamConsumerConfig configures a consumer of every partition of a super stream
type SuperStreamConsumerConfig struct {
	SuperStream string
	// Locator is the client the partition consumers are declared on
	Locator *Client
	// Partitions are the partition streams, queried from the broker when empty
	Partitions []string
	// ConsumerRef is shared by all partition consumers, a random one is generated when empty
	ConsumerRef  string
	Offset       common.OffsetSpec
	CreditPolicy CreditPolicy
}

// SuperStreamConsumer is a single active consumer on each partition of a
// super stream. All partition consumers share one consumer ref, the broker
// activates one consumer per partition across the group.
type SuperStreamConsumer struct {
	config    SuperStreamConsumerConfig
	consumers map[string]*Consumer
	closed    atomic.Bool
}

// NewSuperStreamConsumer declares the partition consumers concurrently. If
// one declaration fails the ones already declared are closed again and the
// first error is returned.
func NewSuperStreamConsumer(ctx context.Context, handler Handler, config SuperStreamConsumerConfig) (*SuperStreamConsumer, error) {
	if config.Locator == nil {
		return nil, errors.New("super stream consumer needs a locator client")
	}
	if config.SuperStream == "" {
		return nil, errors.New("super stream consumer needs a super stream")
	}
	if len(config.Partitions) == 0 {
		return nil, errors.Errorf("super stream %s has no partitions", config.SuperStream)
	}
	if config.ConsumerRef == "" {
		config.ConsumerRef = fmt.Sprintf("%s-%s", config.SuperStream, uuid.NewString())
	}
	if config.CreditPolicy == nil {
		config.CreditPolicy = DefaultCreditPolicy
	}

	declared := make([]*Consumer, len(config.Partitions))
	p := concpool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, partition := range config.Partitions {
		p.Go(func(ctx context.Context) error {
			consumer, err := config.Locator.DeclareConsumer(ctx, ConsumerConfig{
				Stream:       partition,
				ConsumerRef:  config.ConsumerRef,
				Offset:       config.Offset,
				SingleActive: true,
				SuperStream:  config.SuperStream,
				CreditPolicy: config.CreditPolicy,
			}, handler)
			if err != nil {
				return errors.Wrapf(err, "declare consumer on partition %s", partition)
			}
			declared[i] = consumer
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		Logger.Warningf("Declaring super stream consumer on %s failed: %v", config.SuperStream, err)
		for _, consumer := range declared {
			if consumer == nil {
				continue
			}
			// the caller's context may be the one that was cancelled
			if closeErr := consumer.Close(context.Background(), true); closeErr != nil {
				Logger.Warningf("Failed to close consumer %s: %v", consumer.ExtendedID(), closeErr)
			}
		}
		return nil, err
	}

	s := &SuperStreamConsumer{config: config, consumers: make(map[string]*Consumer, len(declared))}
	for i, partition := range config.Partitions {
		s.consumers[partition] = declared[i]
	}
	Logger.Infof("Declared super stream consumer %s on %s (%d partitions)", config.ConsumerRef, config.SuperStream, len(declared))
	return s, nil
}

// DeclareSuperStreamConsumer consumes all partitions of a super stream
func (c *Client) DeclareSuperStreamConsumer(ctx context.Context, config SuperStreamConsumerConfig, handler Handler) (*SuperStreamConsumer, error) {
	config.Locator = c
	if len(config.Partitions) == 0 && config.SuperStream != "" {
		partitions, err := c.QueryPartitions(ctx, config.SuperStream)
		if err != nil {
			return nil, errors.Wrapf(err, "query partitions of %s", config.SuperStream)
		}
		config.Partitions = partitions
	}
	return NewSuperStreamConsumer(ctx, handler, config)
}

// Close unsubscribes every partition consumer
func (s *SuperStreamConsumer) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	errs := make(chan error, len(s.consumers))
	p := concpool.New()
	for _, consumer := range s.consumers {
		p.Go(func() {
			if err := consumer.Close(ctx, true); err != nil {
				errs <- err
			}
		})
	}
	p.Wait()
	close(errs)

	var result *multierror.Error
	for err := range errs {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Partitions returns the partition streams
func (s *SuperStreamConsumer) Partitions() []string { return s.config.Partitions }

// Consumer returns the consumer of a partition
func (s *SuperStreamConsumer) Consumer(partition string) (*Consumer, bool) {
	consumer, ok := s.consumers[partition]
	return consumer, ok
}

func (s *SuperStreamConsumer) ConsumerRef() string { return s.config.ConsumerRef }

func (s *SuperStreamConsumer) SuperStream() string { return s.config.SuperStream }
