// Package client is a Go client for the keygate HTTP API.
//
// A session starts with UploadKey, which authenticates with username and
// password and registers a freshly generated RSA key. Every later call is signed
// with that key through signing.Transport and keeps it alive on the server.
package client
