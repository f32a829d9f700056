// Package routing selects an endpoint for a request among the candidates the
// dispatcher has already filtered (disabled, open circuit, already tried).
package routing
