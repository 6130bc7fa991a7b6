// Package artifact models versioned artifacts, their scoped dependency edges
// and the repository contract used to resolve and download them.
package artifact
