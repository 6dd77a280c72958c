// Package mocks provides mock implementations for testing the merrymaker job system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobResultRepository(ctrl)
//	mockRepo.EXPECT().GetByJobID(gomock.Any(), gomock.Any()).Return(record, nil)
package mocks

// Generate mock for CacheRepository interface from internal/core package.
// This creates MockCacheRepository with methods for all CacheRepository interface methods:
// Set, Get, Delete, Exists, SetTTL, SetIfNotExists, Health
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=cache_repository_mock.go github.com/target/merrymaker-core/internal/core CacheRepository

// Generate mock for JobResultRepository interface from internal/core package.
// This creates MockJobResultRepository with methods for all JobResultRepository interface methods:
// Upsert, GetByJobID, ListByAlertID
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_result_repository_mock.go github.com/target/merrymaker-core/internal/core JobResultRepository
