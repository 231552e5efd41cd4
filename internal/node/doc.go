// Package node tracks adapter connections registered with the gateway.
//
// A Registry holds at most one live Node per node ID. Registering an ID
// that is already live evicts the older connection. When a node
// disconnects, the registry keeps a bounded buffer for it during a grace
// window: frames delivered in that window are flushed in order if the node
// re-registers, and reported as undelivered if the window expires.
package node
