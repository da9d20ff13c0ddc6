// Package service coordinates matches.
//
// The Coordinator implements MatchService: CreateSession, JoinSession,
// ApplyMove and GetSession. It owns the lifecycle
//
//	waiting -> active -> completed
//	    \________\______> expired
//
// and is the only writer of sessions. Writes never take a lock. Each one
// reads the session, checks it, computes the next state and commits with a
// version-guarded CompareAndSwap; on a version conflict it reloads and
// re-validates, up to a bounded number of attempts, then fails with
// KindConflict.
//
// After a commit the coordinator, in order:
//   - publishes the new state through the Notifier
//   - hands a completed session to the Finalizer
//   - asks the TurnScheduler to play when the automation seat is to move
//
// A finalization failure is logged and counted; the move itself has
// already succeeded.
//
// Errors:
//
// Every operation returns *Error with a Kind and an optional Reason. Match
// kinds with errors.Is against the exported sentinels:
//
//	_, err := coord.ApplyMove(ctx, id, "alice", "e7e5")
//	switch {
//	case errors.Is(err, service.ErrNotYourTurn):
//	case errors.Is(err, service.ErrIllegalMove):
//	case errors.Is(err, service.ErrConflict):
//	}
package service
