// Package util provides small helper functions shared across the
// authorization server.
//
// Key utilities:
//   - SafeTruncate: safely truncates strings when logging sensitive prefixes
//   - NormalizeURL: trailing-slash normalization for audience comparison
package util
