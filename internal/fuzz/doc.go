// Package fuzztests houses Go fuzz harnesses for the profiler's decoders:
// msgpack dumps, Chrome trace JSON and timeline reconstruction. They guard
// against panics and runaway allocation when ktrace reads files it did not
// write.
package fuzztests
