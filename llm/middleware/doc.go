// Package middleware provides request rewriters applied to outbound chat
// requests before they reach a provider, such as dropping empty tool
// arrays that some APIs reject.
package middleware
