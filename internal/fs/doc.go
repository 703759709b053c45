// Package fs abstracts file system access so that durability paths
// (WAL appends, snapshot writes, usage files) can be exercised under
// injected failures in tests.
package fs
