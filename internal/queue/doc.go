// Package queue owns pending actuation commands and drives the
// send-and-confirm cycle against the device transport.
//
// Items are ordered by (priority desc, arrival asc); Stop commands jump every
// ordering. A single dispatch loop pops the first item whose device is idle,
// validates it through the safety gate and sends the approved copy. Sends for
// different devices run concurrently; a device never has more than one send
// in flight.
//
// Item lifecycle:
//
//	Pending -> Approved -> Executing -> Completed
//	                               \-> Failed    (transport error, timeout)
//	Pending -> Failed     (safety gate said no; Reason carries why)
//	Pending -> Rejected   (emergency flush or emergency gate, withdraw, queue stopped)
//
// Every transition is reported to the configured observer.
package queue
