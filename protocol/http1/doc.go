// Package http1
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTP/1.1 wire codec for reactor connections: an incremental parser that
// accepts bytes in arbitrary fragments, and serializers for requests and
// responses. Nothing here performs I/O.
package http1
