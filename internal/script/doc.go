// Package script runs plugins written in Lua. Each plugin gets its own
// interpreter whose require is resolved through the plugin's loading
// context, so a script sees its own files, its libraries and its provided
// dependencies, and nothing of its siblings.
package script
