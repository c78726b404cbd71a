/*
Package kvdb is the embeddable database facade: the single entry point
that wires the sequence clock, transaction registry, KVS directory,
cursor engine, throttle, health register, and maintenance loops into one
open handle.

# Usage

	if err := kvdb.Create("/var/lib/myapp/db"); err != nil {
		log.Fatal(err)
	}
	db, err := kvdb.Open("/var/lib/myapp/db", kvdb.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.CreateKVS("widgets", kvsdir.CreateParams{}); err != nil {
		log.Fatal(err)
	}
	kvs, err := db.OpenKVS("widgets", kvsdir.RuntimeParams{})
	if err != nil {
		log.Fatal(err)
	}
	defer kvs.Close()

	if err := kvs.Put(nil, []byte("k"), []byte("v"), 0); err != nil {
		log.Fatal(err)
	}
	value, found, err := kvs.Get(nil, []byte("k"))

A nil *txn.Txn passed to Put/Get/Del/PrefixDel/NewCursor means "run this
op outside a transaction"; a non-nil one requires the target KVS to have
been opened with RuntimeParams.TxnEnabled set. A KVS opened with
TxnEnabled rejects a nil txn on Put/Del/PrefixDel; Get and NewCursor
accept one.
*/
package kvdb
