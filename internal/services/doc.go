// Package services implements the business logic layer between the HTTP
// handlers and the license engine.
//
// # Architecture
//
// Services follow these principles:
//
//	1. Interface-driven design for testability
//	2. Context propagation for cancellation and tracing
//	3. Dependency injection for loose coupling
//	4. Domain-focused methods that encapsulate business rules
//
// # Available Services
//
//	- LicenseService: activation, validation, transfer and audit access
//	- HealthService: liveness and readiness for the shell's startup poll
//
// # Error Handling
//
// Services return the engine's typed errors unchanged; the transport layer
// maps them to RFC 7807 problem responses. Input rejected before reaching
// the engine wraps ErrInvalidInput.
package services
