// Package async provides bounded background execution with panic recovery.
//
// SafeGo runs fire-and-forget work such as the startup sweep. Batch fans a
// slice out to a fixed number of workers and is how the sweeper executes the
// changes of one tick.
package async
