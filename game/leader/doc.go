/*
Package leader elects a single replica to own cluster-wide side effects.

# Lease

A replica becomes leader by creating a lock key that names its holder id
with a fixed TTL. Creation succeeds only when no unexpired lock exists.
The leader renews the lock on an interval shorter than the TTL, and each
renew succeeds only if the stored holder id is still its own.

	Candidate -> Leader -> Released  (graceful stop, lock deleted)
	                    -> Expired   (renew failed, lock left to lapse)

A leader that crashes never releases; the lock lapses after the TTL and
the next acquire attempt by any candidate succeeds. Failover is therefore
bounded by the TTL, never faster.

# Runner

The Runner passed to an Elector is started when leadership is gained and
receives a context that is cancelled with ErrLeadershipLost the moment a
renew fails. Callers read the cause with context.Cause:

	elector, _ := leader.NewElector(store, leader.Config{TTL: 15 * time.Second}, func(ctx context.Context) error {
		return consumer.Run(ctx)
	}, logger)
	go elector.Run(ctx)

Two LockStore implementations are provided: MemoryLockStore for tests and
single-process use, and RedisLockStore which uses SET NX PX with holder
checked Lua scripts for renew and release.
*/
package leader
