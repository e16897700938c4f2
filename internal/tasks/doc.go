// Package tasks runs keygate's side effects out of band.
//
// Request handlers enqueue work through a Queue; the Worker claims due tasks
// from the store with a lease, so a worker that dies mid-task leaves it to be
// picked up again. Delivery is at least once and every handler is idempotent:
//
//   - send_verification mails the verification link unless the user is
//     already verified, deleted or gone.
//   - delete_user tombstones the user and force-revokes each of their keys.
//
// Failures are retried with exponential backoff up to MaxAttempts, then the
// task is marked dead.
package tasks
