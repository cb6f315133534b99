// Package overlay defines the boundary between the node service and the
// overlay protocol engine.
//
// The engine owns crypto, peer state, and packet routing. The service hosts
// it: it feeds wire packets and tap frames in, drives the background task
// processor, and implements the Host capability the engine calls back into
// for state persistence, packet transmission, and network lifecycle.
package overlay
