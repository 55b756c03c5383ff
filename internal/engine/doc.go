// Package engine executes workflow definitions.
//
// A run compiles the stored definition into a graph, levels it into stages
// and runs the blocks of each stage concurrently. Outputs of a stage become
// visible to later stages only after every block in it has finished. The
// first failing stage ends the run; its outputs are dropped while those of
// earlier stages stay on the result.
//
// Results, cancel requests and run leases go through the persistence
// package, so any of its backends can be plugged in through Config.
package engine
