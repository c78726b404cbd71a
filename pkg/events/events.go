// Package events implements the ingest-notification callback the core
// installs on the staging layer (spec §9, "callback plumbing from staging
// layer to WAL"): a single abstraction, forwarding every successful publish
// to whichever collaborators asked to hear about it, rather than a
// pointer-to-function plus an opaque argument.
package events

import (
	"sync"
	"time"

	"github.com/victorstewart/kvdb/pkg/seqno"
)

// IngestNotice is the payload delivered to on_cn_ingest: the seqno a publish
// committed at, a generation counter the transaction registry advances once
// per notified publish, the transaction horizon in effect, the KVS the
// publish touched, and the wall-clock time the notice was raised.
type IngestNotice struct {
	Seqno      seqno.Seqno
	Generation uint64
	TxnHorizon seqno.Seqno
	KVS        string
	Post       time.Time
}

// Subscriber is a channel that receives ingest notices.
type Subscriber chan *IngestNotice

// Broker is the single callback object the storage layer holds a reference
// to; every Notify on it fans the notice out to every live subscriber.
// Modeled on the teacher's fan-out broker, generalized from cluster events
// to ingest notices.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	noticeCh    chan *IngestNotice
	stopCh      chan struct{}
}

// NewBroker creates a stopped ingest-notification broker; call Start to
// begin distributing notices.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		noticeCh:    make(chan *IngestNotice, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop as a background goroutine.
func (b *Broker) Start() { go b.run() }

// Stop signals the distribution loop to exit. Subscriber channels are left
// open; callers still holding one should Unsubscribe explicitly.
func (b *Broker) Stop() { close(b.stopCh) }

// Subscribe registers a new buffered subscription.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Notify is the on_cn_ingest capability: it stamps Post if unset and
// forwards the notice onto the distribution loop. Non-blocking against a
// stopped broker.
func (b *Broker) Notify(n *IngestNotice) {
	if n.Post.IsZero() {
		n.Post = time.Now()
	}
	select {
	case b.noticeCh <- n:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case n := <-b.noticeCh:
			b.broadcast(n)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(n *IngestNotice) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- n:
		default:
			// subscriber buffer full: best-effort delivery, never block ingest
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
