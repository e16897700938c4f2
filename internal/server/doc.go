// ABOUTME: Package server exposes the keygate HTTP API
// ABOUTME: Every route declares its authentication mode in the route table

// Package server serves the keygate HTTP API.
//
// # Routes
//
//	POST   /signup                                  skip       create an unverified account
//	GET    /verify/{user_id}/{verification_code}    skip       confirm an email address
//	POST   /keys                                    basic      register a public key
//	GET    /keys                                    signature  describe the signing key
//	DELETE /keys                                    signature  revoke the signing key
//	DELETE /users                                   signature  schedule account deletion
//	GET    /health, /ready                          skip       liveness and readiness
//
// Errors are JSON objects with "title" and "description" fields.
//
// Side effects such as verification email and cascading deletion are handed to
// a tasks.Queue and run by the worker, never inline with the request.
package server
