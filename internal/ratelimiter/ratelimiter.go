// Package ratelimiter throttles the public gateway endpoints per client
// IP. Payment creation and callbacks are unauthenticated by nature, so
// the limiter is the only thing between the internet and the drivers.
package ratelimiter

import "time"

type Limiter interface {
	// Allow reports whether one more request from ip fits in the current
	// window, and how long to wait when it does not.
	Allow(ip string) (bool, time.Duration)
}

type Config struct {
	RequestsPerTimeFrame int
	TimeFrame            time.Duration
	Enabled              bool
}
