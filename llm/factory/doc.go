// Package factory maps provider names to constructors, keeping provider
// subpackage imports out of the llm package itself.
package factory
