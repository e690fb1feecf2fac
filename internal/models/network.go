// Package models provides data model definitions for the Peated offline core.
package models

// NetworkState is the reachability snapshot supplied by the platform.
type NetworkState struct {
	IsConnected   bool `json:"is_connected"`
	IsExpensive   bool `json:"is_expensive"`   // cellular or hotspot
	IsConstrained bool `json:"is_constrained"` // low-data mode
}

// Offline is the zero-value-adjacent state used before the first
// reachability report arrives.
var Offline = NetworkState{}
