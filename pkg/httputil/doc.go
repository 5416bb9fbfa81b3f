// Package httputil provides JSON response helpers, request parsing and the
// middleware shared by the host's HTTP servers.
package httputil
