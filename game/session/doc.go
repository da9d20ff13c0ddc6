// Package session holds the match data model and its stores.
//
// A Session records both seats, the opaque board token, whose turn it is,
// the lifecycle status, the outcome once known and a version that
// increases by exactly one on every committed write.
//
// Stores:
//
// Store is the persistence contract. CompareAndSwap writes only when the
// stored version equals the expected one and fails with ErrVersionConflict
// otherwise; the coordinator builds all of its concurrency on that.
//
//   - MemoryStore keeps sessions in a map for single replica deployments
//     and tests. CleanupExpired drops sessions past ExpiresAt.
//   - RedisStore keeps each session as JSON under match:session:<id>
//     with a TTL matching ExpiresAt. CompareAndSwap runs inside
//     WATCH/MULTI so a concurrent writer aborts the transaction.
//
// Ids are case insensitive; both stores normalise them.
//
// Seats:
//
// AutomationSeat marks a seat played by the bot. It is never a valid
// player identity, so it cannot be claimed through JoinSession.
package session
