// Package netio provides the physical-plane primitives for the node
// service: trial binding and port hunting, interface eligibility
// filtering, the UDP endpoint binder with its inbound packet queue, and
// the port-mapper boundary.
//
// Per-packet IPv4 TTL control uses golang.org/x/net/ipv4; socket options
// for trial binds use golang.org/x/sys/unix.
package netio
