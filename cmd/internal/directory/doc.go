// Package directory is the user directory: registration, authentication,
// profile fields, and the role lookups other packages authorize against.
package directory
