// Package api exposes the plugin host over HTTP: listing and inspecting
// registrations, install and lifecycle operations, search, and invoking the
// commands plugins contribute.
package api
