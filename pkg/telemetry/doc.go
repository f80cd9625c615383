// Package telemetry wires OpenTelemetry exporters and meters for the chain
// engine.
//
// It centralises trace provider setup, records node and flow step metrics, and
// redacts credential-bearing attributes before they are attached to spans so
// operators can follow a chain without leaking tokens forwarded between steps.
package telemetry
