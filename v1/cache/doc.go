// Package cache provides the in-process memory tier used by docsync clients
// to keep the last payload and lock seen for each resource. Values carry no
// expiry unless a TTL is given; expired entries are dropped when touched.
package cache
