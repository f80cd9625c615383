// Package domain defines the core value types shared by the chain engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of transport (no HTTP client, no telemetry, no scripting runtime)
// - Safe to copy: every value type offers a deep Clone so no stage shares state with another
// - Testable in isolation without mocks
//
// The engine, flow, resolver, sandbox and transport packages depend on these
// types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
