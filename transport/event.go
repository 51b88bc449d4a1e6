// File: transport/event.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

// Event is one of Connected, Data, Message, Wrote, Empty, Error or
// Disconnected.
type Event interface {
	event()
}

// Connected is emitted once the connection (and its Layer handshake, if
// any) is established.
type Connected struct{}

// Data carries bytes read from the peer. The slice is owned by the handler.
type Data struct {
	Bytes []byte
}

// Message carries one delimited line, without the delimiter. Emitted only
// when the Conn was configured WithDelimiter.
type Message struct {
	Line []byte
}

// Wrote reports that N queued bytes were handed to the socket.
type Wrote struct {
	N int
}

// Empty reports that the outbound queue drained.
type Empty struct{}

// Error carries a failure and the stack at the point it was observed.
// It is always followed by Disconnected.
type Error struct {
	Err   error
	Stack []byte
}

// Disconnected is the last event of a Conn. Err is nil for an orderly
// close or end of stream.
type Disconnected struct {
	Err error
}

func (Connected) event()    {}
func (Data) event()         {}
func (Message) event()      {}
func (Wrote) event()        {}
func (Empty) event()        {}
func (Error) event()        {}
func (Disconnected) event() {}

// Handler receives the events of one Conn on the loop goroutine.
type Handler func(c *Conn, ev Event)
