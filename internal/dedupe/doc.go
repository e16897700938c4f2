// Package dedupe provides an expiring set that answers "have I seen this
// before?" atomically. The authentication middleware uses it to reject a
// request signature presented a second time while its x-date is still valid.
package dedupe
