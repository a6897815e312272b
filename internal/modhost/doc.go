// Package modhost implements the control channel between the worker host and
// the module host subprocess that owns a loaded package.
//
// The server side runs inside the gridhost-module shim: it opens the package
// plugins, keeps the instances they produce, and answers line-delimited JSON
// requests on a per-generation unix socket. The client side lives in the
// host process and wraps the socket with per-call timeouts. The protocol
// needs nothing beyond the standard library, so module binaries built at a
// different time than the host keep speaking it.
package modhost
