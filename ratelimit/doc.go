// Package ratelimit implements a sliding-window log throttle. The window
// state lives in a WindowStore so several instances can share one limit.
package ratelimit
