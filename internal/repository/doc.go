// Package repository provides artifact repositories: an in-memory one for
// embedding and tests, and a directory-backed one with cached listings.
package repository
