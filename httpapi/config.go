package httpapi

import "time"

// Config defines HTTP API settings.
type Config struct {
	Addr string
	// BaseURL is where tabs load content scripts from.
	BaseURL string
	// AsyncTimeout bounds how long POST /api/message waits for an
	// asynchronous reply.
	AsyncTimeout time.Duration
}

const (
	shutdownTimeout     = 5 * time.Second
	defaultAsyncTimeout = 30 * time.Second
)
