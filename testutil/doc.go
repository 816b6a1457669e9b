// Package testutil provides testing utilities for statekv.
//
// This package is intended for use in tests and benchmarks only. It provides
// helpers for generating deterministic random key-value workloads.
//
// # Random Workload Generation
//
//	rng := testutil.NewRNG(seed)
//	pairs := rng.KVPairs(1000, 16, 64)           // unique keys
//	hot := rng.ZipfKeys(10000, 100, 1.2)         // skewed access pattern
package testutil
