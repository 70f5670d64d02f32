// Package lock implements the cooperative lease that serializes writers of a
// resource. The lease is a JSON object stored next to the document and
// changed only through compare-and-swap writes, so whichever client's swap
// the store accepts owns it. Holders renew the lease on a timer; a lease that
// is not renewed expires and any client may reclaim it.
package lock
