package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	job, err := repo.GetJob(ctx, date)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example when seeding a job for a date that already exists.
var ErrConflict = errors.New("record already exists")

// ErrInvalidTransition is returned by UpdateSlot when the requested hour-slot
// status change is not permitted. Slots move pending→success, pending→failed,
// failed→pending (retry reset) and failed→success; a success slot is final.
var ErrInvalidTransition = errors.New("invalid slot status transition")
