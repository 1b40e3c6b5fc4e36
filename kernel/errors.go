package kernel

import "github.com/pkg/errors"

// This module follows a three-band error convention (see SPEC_FULL.md's
// "Errors" entry under AMBIENT STACK):
//
//   - Band 1, recoverable: returned to the caller, never panicked. Table
//     exhaustion returns a sentinel error value (ErrNoProcSlots,
//     ErrNoKThreadSlots); a failed Wait, KThreadJoin, Kill or KThreadKill
//     returns ok=false.
//   - Band 2, invariant violation: a bug in the kernel itself (a freed slot
//     observed RUNNING, a lock released by a non-owner). These panic with
//     a github.com/pkg/errors-wrapped stack trace so a crash report can
//     show exactly where the invariant broke, the same way proc.c's own
//     panic() calls name the precise assertion that failed.
//   - Band 3, cancellation: not an error at all. Killed/SetKilled flip an
//     atomic flag a thread's own code is expected to poll, exactly as
//     killed(p) works in the original.
//
// invariantf panics with a Band 2 violation, stack-wrapped.
func invariantf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}
