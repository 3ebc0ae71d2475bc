package database

import (
	"context"
	"time"
)

// Health describes database reachability for the status API.
type Health struct {
	Reachable bool   `json:"reachable"`
	Driver    string `json:"driver"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// CheckHealth pings the database with a short timeout.
func (c *Client) CheckHealth(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	err := c.db.PingContext(ctx)
	h := Health{
		Reachable: err == nil,
		Driver:    c.driver,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}
