// Package store wraps the relational datastore with the primitives every
// billing write path depends on.
//
// # Overview
//
// Store.Do retries an operation a bounded number of times with exponential
// backoff, but only when the failure classifies as retryable. Classification
// uses PostgreSQL SQLSTATE codes, never error message text:
//
//	40P01       deadlock          retryable
//	40001       serialization     retryable
//	08xxx       connection        retryable
//	57014       timeout           retryable
//	55P03       lock conflict     retryable
//	23505       unique violation  surfaced as a conflict
//	sql.ErrNoRows                 not found
//
// Advisory locks serialize work across process instances. PostgresLocker
// holds pg_advisory_lock on a dedicated connection; RedisLocker uses
// SET NX with a per-lease token. WithLock always releases the lease.
//
// CallAtomic invokes the server-side procedures used by the two highest
// contention writes: customer upsert and subscription creation.
//
// # Usage Example
//
//	s := store.New(db, store.DefaultRetryConfig(), logger)
//
//	err := s.WithLock(ctx, "customer:"+orgID+":"+externalID, func(ctx context.Context) error {
//		return s.CallAtomic(ctx, store.ProcUpsertCustomer, func(row *sql.Row) error {
//			return row.Scan(&id, &created)
//		}, orgID, externalID, email)
//	})
//
//	if store.Classify(err) == store.KindUniqueViolation {
//		// report a conflict
//	}
//
// # Related Packages
//
//   - pkg/billing: repositories built on Store
//   - pkg/storage/postgres: connection pools and the Redis client used for locks
package store
