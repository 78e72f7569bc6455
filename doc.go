// Package titan exposes the lock manager that serialises conflicting writes
// from transactions running in separate processes. A transaction acquires a
// write lock on each (store, key, column) it is about to mutate, re-confirms
// every lock immediately before applying its mutations, and releases the
// locks afterwards. Contention is resolved first by an in-process mediator,
// then by one of two interchangeable remote strategies.
//
// # Acquiring and committing
//
//	mgr, err := titan.New(ctx, titan.Config{Store: "disk:///var/lib/titan"})
//	if err != nil { log.Fatal(err) }
//	defer mgr.Close()
//
//	tx := mgr.Begin("")
//	id := titan.NewLockID("edges", []byte("v42"), []byte("out"))
//	if err := mgr.WriteLock(ctx, tx, id); err != nil {
//	    if titan.IsTemporary(err) {
//	        // another transaction holds the lock; retry the whole transaction later
//	    }
//	    _ = mgr.Rollback(ctx, tx)
//	    return err
//	}
//	err = mgr.Commit(ctx, tx, func(ctx context.Context) error {
//	    return applyMutations(ctx)
//	})
//
// Commit calls CheckLocks first and only runs the apply function when every
// lock still holds. Locks are released in all cases, on a context detached
// from the caller's cancellation and bounded by `Config.ReleaseTimeout`.
//
// Lock failures are `*titan.Failure` values. `IsTemporary` marks contention
// that may clear on its own, `IsPermanent` marks failures that must abort the
// transaction (exhausted retries, storage errors, strategy mismatch), and
// `IsLockLost` marks a lock that could not be re-confirmed at commit time.
//
// # Local mediation
//
// Every manager in a process that shares `Config.LocalMediatorPrefix` (and
// the same `Mediators` registry, see `WithMediators`) consults one in-process
// table before touching the network. A local denial is returned immediately
// as a temporary failure without spending remote attempts.
//
// # Strategies
//
// `consistent-key` (default) writes a timestamped claim column into a row of
// the lock store derived from the data store name plus
// `Config.LockStoreSuffix`. After `Config.SettleWait` the row is read back and
// the earliest unexpired claim wins; ties fall to the lower process identity.
// Losing and abandoned claims are deleted in the background when
// `Config.CleanExpiredClaims` is set.
//
// `ensemble` creates an ephemeral sequential node per acquisition in a
// coordination ensemble and waits for its predecessor to vanish. Nodes die
// with the session, so a crashed process never blocks others longer than
// `Config.EnsembleSessionTTL`.
//
// # Storage backends
//
// Configure the claim store via `Config.Store`:
//
//   - `mem://` – in-memory (tests; `?visibility-delay=50ms` models lagging reads)
//   - `disk:///var/lib/titan` – one file per claim with inotify change feeds
//   - `badger:///var/lib/titan` or `badger+mem://` – embedded Badger LSM store
//   - `s3://host:port/bucket/prefix` – MinIO or other S3-compatible stores
//   - `aws://bucket/prefix` – AWS S3 through the standard credential chain
//   - `azure://account/container/prefix` – Azure Blob Storage
//
// Every backend is wrapped with bounded retries for transient errors
// (`Config.StorageRetry*`) and structured call logging.
//
// Ensembles are configured through `Config.Ensemble`: `mem://` for a private
// in-process ensemble or `etcd://host:2379,host:2379/root` for etcd.
//
// # Telemetry
//
// `StartTelemetry` installs OTLP tracing (`Config.OTLPEndpoint`) and a
// Prometheus endpoint (`Config.MetricsListen`). Lock attempts, waits and
// failures are recorded through the global OpenTelemetry providers.
package titan
