// Package auth authenticates HTTP requests for keygate.
//
// # Modes
//
// Every route declares a Route when it is registered:
//
//   - ModeSignature: the request carries an RSA-PSS Signature Authorization
//     header naming user_id@key_id. The key is looked up, the signature is
//     verified, and the key's expiry is pushed forward.
//   - ModeBasic: the JSON body carries username and password, checked against
//     the stored bcrypt hash.
//   - ModeSkip: no authentication.
//
// OPTIONS requests always pass so CORS preflights work.
//
// # Error Taxonomy
//
// Failures answer 401 with {"title":"Authentication failed","description":...}.
// The description never says whether a user or key exists: a wrong password and
// an unknown username share one message, and every signature failure after the
// header parses is reported as "Signature validation failed". The precise
// reason is logged at Warn.
//
// # Replay Protection
//
// With a dedupe.Cache configured, a verified signature is remembered until its
// x-date falls out of the clock-skew window, and a second presentation fails.
//
// # Identity
//
// Handlers read the authenticated user (and key, for signed requests) with
// FromContext or MustFromContext.
package auth
