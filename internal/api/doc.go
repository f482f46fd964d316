// Package api exposes ChainPilot's HTTP surface: turn submission and resume
// as Server-Sent Events, approval decisions, message history, health and
// metrics endpoints.
package api
