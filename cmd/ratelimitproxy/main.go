// Command ratelimitproxy fronts Discord's REST API with a reverse
// proxy that enforces per-route bucket and global rate limits
// (spec.md §6).
package main

import (
	"flag"

	"github.com/valyala/fasthttp"

	"github.com/sandwich-gg/sandwich/internal/config"
	"github.com/sandwich-gg/sandwich/internal/ratelimit"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address for the proxy")
	level := flag.String("log-level", "info", "zerolog log level")
	flag.Parse()

	logger := config.NewLogger(config.LoggingConfiguration{Level: *level}, "ratelimitproxy")

	proxy := ratelimit.NewProxy(logger)

	logger.Info().Str("addr", *addr).Msg("starting rate-limit proxy")

	if err := fasthttp.ListenAndServe(*addr, proxy.Handle); err != nil {
		logger.Fatal().Err(err).Msg("proxy server stopped")
	}
}
