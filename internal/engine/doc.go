// Package engine runs the change monitoring pipeline.
//
// An Engine owns one Monitor per enabled event family. Each Monitor wires
// together:
//
//   - a native subscription delivering raw notifications
//   - the parser and the family's aggregation store
//   - the watch-list synchronizer and its periodic reconcile
//   - the SQLite history log, replayed into the store on start
//   - the debounced session log writer
//
// # Lifecycle
//
// Start restores each family's watch list, rebuilds the aggregates from the
// recorded history, subscribes, and then blocks until its context is
// cancelled. On shutdown every notification already queued by the native
// service is still ingested, and pending session logs are flushed.
//
// # Usage
//
//	db, err := store.Open(filepath.Join(dataDir, store.FileName))
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	eng, err := engine.New(svc, db, engine.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	return eng.Start(ctx)
//
// Families run independently: a parse failure or slow reconcile in one never
// delays the other.
package engine
