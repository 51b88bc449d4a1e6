// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-threaded scheduling primitives for the reactor: deadline-ordered
// timer handles and the registry that owns them. Nothing in this package
// is safe for concurrent use; it is only ever touched from the loop
// goroutine.
package concurrency
