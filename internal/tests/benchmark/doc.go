// Package benchmark provides performance benchmarks for corestate's
// write path, change tracking, archives and backup encryption.
//
// Run benchmarks with:
//
//	go test -bench=. -benchmem ./internal/tests/benchmark/...
//
// Run with specific block counts:
//
//	go test -bench=BenchmarkTracker -benchmem -benchtime=10s ./internal/tests/benchmark/...
//
// Generate performance report:
//
//	go test -bench=. -benchmem -count=5 ./internal/tests/benchmark/... | tee benchmark.txt
//
// Compare results:
//
//	benchstat old.txt new.txt
package benchmark
