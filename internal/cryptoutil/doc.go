// Package cryptoutil hashes published documents and derives the strong
// validators (ETags) used when serving them.
package cryptoutil
