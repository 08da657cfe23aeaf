// Package core declares the interfaces the relay core is wired against.
// Implementations live in adapter and collaborator packages.
package core

// Frame is an encoded outbound event, ready for the wire.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
