// Package dispatch routes commands to connected devices and queues them
// for offline ones.
//
// The dispatcher tracks one live sender per device, correlates command
// acknowledgements back to awaiting callers, and holds per-device FIFO
// queues that drain when a device reconnects. Deleting a device drops
// its queue and fails any callers still awaiting an ack.
package dispatch
