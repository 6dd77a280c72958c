//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools run via `go run` or a global `go install` and are not runtime
// dependencies.
package tools

// Development tools:
//
// mockgen - gomock mock generation for the repository interfaces
//   Invoked: go generate ./internal/mocks (runs go.uber.org/mock/mockgen@v0.6.0)
//   Docs: https://github.com/uber-go/mock
