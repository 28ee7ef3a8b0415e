// Package gram owns the datagram wire contract.
//
// A Message is the unit written to the network: an association token followed by
// a counted sequence of Units. Every Message fits in one datagram of at most MTU bytes.
//
// Layout (big endian):
//
//	token u32 | unit_count u16 | unit*
//	unit := kind u8 | body_len u16 | body
package gram
