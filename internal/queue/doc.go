// Package queue runs queue entries through their processors.
//
// Entry lifecycle:
//
//	Pending --claim--> InProgress --+--> Completed
//	   ^                            +--> CompletedDelayedDelete
//	   |                            +--> Idle      (parked; operator or component resumes)
//	   +----- postpone / retry -----+--> Pending   (lock busy, cancelled, or failure below ceiling)
//	                                +--> Failed    (failure ceiling reached)
//
// A claim is a single conditional update in the store, so no two workers
// ever run the same entry. After claiming, the worker locks the entry's
// storage location with its own token; a busy lock postpones the entry
// without counting a failure. The lock is released whatever the processor
// does, and one entry's failure or panic never stops the worker loop.
//
// Processors cooperate with cancellation by checking Job.Cancelled between
// units of work and returning ErrCancelled. Units must be idempotent: a
// cancelled or crashed entry is simply run again later.
package queue
