package connection

import (
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"sync"
)

// --------------------------------------------------------------------------
// Typed listener slots
// --------------------------------------------------------------------------

// Listeners holds one optional callback per event category. Callbacks run on
// the reader goroutine of the connection: they must not block and must not
// wait for a response on the same connection.
type Listeners struct {
	MetadataUpdate func(*codec.MetadataUpdate)
	PublishConfirm func(*codec.PublishConfirm)
	PublishError   func(*codec.PublishError)
	DeliverV1      func(*codec.Deliver)
	DeliverV2      func(*codec.Deliver)
	// ConsumerUpdateQuery returns the offset to start from and whether the
	// listener owns the subscription of the query. It runs on its own goroutine.
	ConsumerUpdateQuery func(*codec.ConsumerUpdateQuery) (common.OffsetSpec, bool)
	// ConnectionClosed fires at most once and not after a manual close
	ConnectionClosed func(reason error)
}

// closingRegistration is a publisher or consumer that must be told when its stream goes away
type closingRegistration struct {
	extendedID string
	stream     string
	callback   func()
}

// listenerRegistry holds every registered listener of a connection
type listenerRegistry struct {
	mu                  sync.RWMutex
	metadataUpdate      []func(*codec.MetadataUpdate)
	publishConfirm      []func(*codec.PublishConfirm)
	publishError        []func(*codec.PublishError)
	deliverV1           []func(*codec.Deliver)
	deliverV2           []func(*codec.Deliver)
	consumerUpdateQuery []func(*codec.ConsumerUpdateQuery) (common.OffsetSpec, bool)
	connectionClosed    []func(error)

	publisherClosing []closingRegistration
	consumerClosing  []closingRegistration
}

func (r *listenerRegistry) add(l Listeners) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.MetadataUpdate != nil {
		r.metadataUpdate = append(r.metadataUpdate, l.MetadataUpdate)
	}
	if l.PublishConfirm != nil {
		r.publishConfirm = append(r.publishConfirm, l.PublishConfirm)
	}
	if l.PublishError != nil {
		r.publishError = append(r.publishError, l.PublishError)
	}
	if l.DeliverV1 != nil {
		r.deliverV1 = append(r.deliverV1, l.DeliverV1)
	}
	if l.DeliverV2 != nil {
		r.deliverV2 = append(r.deliverV2, l.DeliverV2)
	}
	if l.ConsumerUpdateQuery != nil {
		r.consumerUpdateQuery = append(r.consumerUpdateQuery, l.ConsumerUpdateQuery)
	}
	if l.ConnectionClosed != nil {
		r.connectionClosed = append(r.connectionClosed, l.ConnectionClosed)
	}
}

// listener slices are append-only, so a slice header read under the lock
// stays valid while the callbacks run without it

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

func (r *listenerRegistry) emitMetadataUpdate(update *codec.MetadataUpdate) {
	// closing registrations of the affected stream fire first, each at most once
	for _, reg := range r.takeClosing(update.Stream) {
		reg.callback()
	}
	r.mu.RLock()
	listeners := r.metadataUpdate
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(update)
	}
}

func (r *listenerRegistry) emitPublishConfirm(confirm *codec.PublishConfirm) {
	r.mu.RLock()
	listeners := r.publishConfirm
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(confirm)
	}
}

func (r *listenerRegistry) emitPublishError(pubErr *codec.PublishError) {
	r.mu.RLock()
	listeners := r.publishError
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(pubErr)
	}
}

func (r *listenerRegistry) emitDeliver(deliver *codec.Deliver) {
	r.mu.RLock()
	listeners := r.deliverV1
	if deliver.Version >= 2 {
		listeners = r.deliverV2
	}
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(deliver)
	}
}

// answerConsumerUpdate asks the listeners for the start offset, the first
// listener owning the subscription answers. Without owner the consumer
// continues with the next offset.
func (r *listenerRegistry) answerConsumerUpdate(query *codec.ConsumerUpdateQuery) common.OffsetSpec {
	r.mu.RLock()
	listeners := r.consumerUpdateQuery
	r.mu.RUnlock()
	for _, fn := range listeners {
		if offset, ok := fn(query); ok {
			return offset
		}
	}
	return common.OffsetNext()
}

func (r *listenerRegistry) emitConnectionClosed(reason error) {
	r.mu.RLock()
	listeners := r.connectionClosed
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(reason)
	}
}

// --------------------------------------------------------------------------
// Closing registrations
// --------------------------------------------------------------------------

func (r *listenerRegistry) addPublisherClosing(reg closingRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisherClosing = append(r.publisherClosing, reg)
}

func (r *listenerRegistry) addConsumerClosing(reg closingRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumerClosing = append(r.consumerClosing, reg)
}

// removeClosing drops the registration of a publisher or consumer that closed normally
func (r *listenerRegistry) removeClosing(extendedID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisherClosing, _ = partition(r.publisherClosing, func(reg closingRegistration) bool { return reg.extendedID != extendedID })
	r.consumerClosing, _ = partition(r.consumerClosing, func(reg closingRegistration) bool { return reg.extendedID != extendedID })
}

// takeClosing removes and returns every registration for the stream
func (r *listenerRegistry) takeClosing(stream string) []closingRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()

	otherStream := func(reg closingRegistration) bool { return reg.stream != stream }
	var publishers, consumers []closingRegistration
	r.publisherClosing, publishers = partition(r.publisherClosing, otherStream)
	r.consumerClosing, consumers = partition(r.consumerClosing, otherStream)
	return append(publishers, consumers...)
}

// partition splits items into those matching keep and the rest
func partition(items []closingRegistration, keep func(closingRegistration) bool) (kept, removed []closingRegistration) {
	for _, item := range items {
		if keep(item) {
			kept = append(kept, item)
		} else {
			removed = append(removed, item)
		}
	}
	return kept, removed
}
