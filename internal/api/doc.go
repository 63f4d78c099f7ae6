// Package api provides the HTTP REST API and device WebSocket server for
// Fleet Core.
//
// The REST surface is the operator interface: device listing, patching,
// merging, pairing grants, and command submission. The WebSocket surface
// is the device interface: each display opens a single socket, proves its
// identity with a hello frame, then streams status reports and command
// acknowledgements.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Authentication of operator requests is out of scope here: Fleet Core is
// expected to sit behind a reverse proxy or gateway that terminates admin
// auth. Device connections authenticate per-socket via registry secrets.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
