// Package redis keeps the per-chat stream registration list in Redis so that
// any instance can answer a resume request.
package redis
