package commands

import (
	"net/http"
	"time"
)

type Globals struct {
	Debug   bool
	Version string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// provider calls are bounded at 10s, leave room for two of them
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    2 * time.Minute,
		MaxHeaderBytes: 16 * 1024, // 16KiB, identity cookies are large
	}
}
