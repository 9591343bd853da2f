// Package attempt holds the exam attempt aggregate and its state machine.
//
// An Attempt moves through these states:
//
//	            StartAttempt
//	                 │
//	                 ▼
//	  ┌──────── IN_PROGRESS ◄──── Resume ────┐
//	  │              │                        │
//	  │            Pause ─────────────────► PAUSED
//	  │              │                        │
//	  ▼              ▼                        ▼
//	SUBMITTED  AUTO_SUBMITTED  ABANDONED  CANCELLED
//
// The four closed states are final for this package. UNDER_REVIEW, COMPLETED
// and GRADED are written by the grading workflow; they are accepted on read
// and never produced here. COMPLETED is treated as a synonym of GRADED.
//
// Two invariants are enforced by every Store implementation:
//
//  1. At most one non-deleted attempt per (exam, student) is IN_PROGRESS or PAUSED.
//  2. Attempt numbers of non-deleted attempts per (exam, student) are 1..N.
//
// SubmittedAt is set exactly once, when the attempt closes.
package attempt
