// Package graph validates workflow graphs, resolves block dependencies,
// detects cycles and levels blocks into concurrent execution stages.
package graph
