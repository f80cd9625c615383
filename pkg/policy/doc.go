// Package policy evaluates Rego policies with the embedded Open Policy Agent
// engine and exposes them as condition predicates.
//
// A policy sees the same view of a value as a script does: responses appear as
// {status, headers, body, data}, requests as {method, url, headers, body}.
package policy
