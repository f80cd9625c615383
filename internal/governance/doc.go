// Package governance holds the dispatch safety controls used by the HTTP
// executor: retries with exponential backoff, request pacing and per-host
// circuit breaking. None of them change routing; a request that exhausts its
// retries or meets an open circuit surfaces as an ordinary transport error.
package governance
