// Package fetch downloads update packages into the staging area and
// verifies them against their advertised SHA-256 digest.
package fetch
