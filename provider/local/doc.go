// Package local is an auth.AuthProvider backed by the storefront database.
// Credentials are stored as bcrypt hashes, sessions are HS256 tokens kept
// in memory and password resets are stored as records delivered through a
// Mailer.
package local
