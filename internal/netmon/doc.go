// Package netmon watches the host's own IPv4 address.
//
// A tablet that roams between access points, or whose DHCP lease changes,
// keeps serving stale device addresses until something rescans. The
// Monitor polls the local interfaces and calls a handler when the primary
// address changes, so the caller can drop cached addresses and resync.
package netmon
