// Package httputil provides the shared JSON response helpers for the
// migration API. Handlers go through these instead of writing raw
// http.ResponseWriter calls so every endpoint emits the same envelope
// and error codes.
package httputil
