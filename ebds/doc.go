// Package ebds implements the wire format of a bill acceptor serial protocol:
// frame encoding and validation, the typed request and reply variants, and
// the bit tables that turn poll reply status bytes into an acceptor state and
// a set of one-shot events.
//
// # Frame Format
//
// Every message shares one envelope:
//
//	[STX 0x02][LENGTH][TYPE_AND_ACK][DATA...][ETX 0x03][CHECKSUM]
//
// LENGTH is the total byte count. The high nibble of TYPE_AND_ACK is the
// message type and bit 0 is the ACK toggle. CHECKSUM is the XOR of every byte
// between STX and ETX. Frames are built with a [Builder], which computes the
// checksum once in [Builder.Finish]; an existing frame is modified through
// [Frame.Edit].
//
// # Message Variants
//
//   - [PollRequest] / [PollResponse]: routine status exchange.
//   - [ExtendedRequest] / [ExtendedResponse]: extended commands such as the
//     barcode query.
//   - [TelemetryRequest] / [TelemetryResponse]: ping, serial number and the
//     metric and service queries. Integers are nibble encoded, see [DecodeNibbles].
//   - [NewResetRequest]: the unacknowledged reset frame.
//
// [DecodeResponse] reads the type nibble of a reply and dispatches to the
// matching parser. Structural problems are returned as errors in a fixed
// validation order (byte count, terminator, variant length, type, checksum).
// Domain problems such as zero or several state bits are reported as
// protocol violations on an otherwise parsed reply.
//
// This package performs no I/O; see the acceptor package for the polling
// session built on top of it.
package ebds
