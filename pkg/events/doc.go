/*
Package events provides the ingest-notification broker: the concrete
implementation of the "single callback object the core installs on the
staging layer" design note, generalized to an in-process pub/sub fan-out so
more than one collaborator (a replication follower, an audit log, a metrics
subscriber) can observe ingest without coupling to the publish path itself.

Every successful publish in pkg/txn calls Broker.Notify with the committed
seqno, the KVS it landed in, and the transaction horizon at that instant.
Subscribers receive an *IngestNotice on a buffered channel; a full buffer
drops the notice rather than blocking ingest.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for n := range sub {
			log.Printf("ingest: kvs=%s seqno=%d horizon=%d", n.KVS, n.Seqno, n.TxnHorizon)
		}
	}()
*/
package events
