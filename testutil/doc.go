// Package testutil provides shared helpers and mock implementations used
// across the test suites.
package testutil
