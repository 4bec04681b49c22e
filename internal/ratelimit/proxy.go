package ratelimit

import (
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const discordAPIBase = "https://discord.com/api/v10"

var (
	headerRateLimitLimit      = []byte("X-RateLimit-Limit")
	headerRateLimitRemaining  = []byte("X-RateLimit-Remaining")
	headerRateLimitResetAfter = []byte("X-RateLimit-Reset-After")
	headerRateLimitReset      = []byte("X-RateLimit-Reset")
	headerDate                = []byte("Date")
)

// retryAfterBody is the JSON body Discord sends on a 429.
type retryAfterBody struct {
	Message      string  `json:"message"`
	RetryAfterMS float64 `json:"retry_after_ms"`
	Global       bool    `json:"global"`
}

// discordErrorBody is the JSON body Discord sends on other 4xx errors.
type discordErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Proxy is a reverse proxy in front of Discord's REST API that
// enforces bucket and global rate limits before forwarding requests,
// per spec.md §6.
type Proxy struct {
	Limiter *Limiter
	Client  *fasthttp.Client
	Logger  zerolog.Logger
}

// NewProxy constructs a Proxy with its own fasthttp.Client.
func NewProxy(logger zerolog.Logger) *Proxy {
	return &Proxy{
		Limiter: NewLimiter(),
		Client: &fasthttp.Client{
			Name: "sandwich (ratelimit proxy)",
		},
		Logger: logger,
	}
}

// Handle is a fasthttp.RequestHandler that forwards the request to
// Discord once rate-limit admission allows, retrying on 429/5xx.
func (p *Proxy) Handle(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())
	route := CanonicalizeRoute(method, path)

	for {
		p.Limiter.Acquire(route)

		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()

		ctx.Request.CopyTo(req)
		req.SetRequestURI(discordAPIBase + path + "?" + string(ctx.QueryArgs().QueryString()))

		err := p.Client.Do(req, resp)
		if err != nil {
			fasthttp.ReleaseRequest(req)
			ctx.Error("failed to reach discord", fasthttp.StatusBadGateway)
			p.Logger.Error().Err(err).Str("route", route).Msg("proxy request failed")
			fasthttp.ReleaseResponse(resp)

			return
		}

		action := p.handleResponse(route, resp)

		fasthttp.ReleaseRequest(req)

		switch action {
		case actionRetry:
			fasthttp.ReleaseResponse(resp)

			continue
		default:
			resp.Header.VisitAll(func(key, value []byte) {
				ctx.Response.Header.SetBytesKV(key, value)
			})
			ctx.SetStatusCode(resp.StatusCode())
			ctx.SetBody(resp.Body())
			fasthttp.ReleaseResponse(resp)

			return
		}
	}
}

type responseAction int

const (
	actionPass responseAction = iota
	actionRetry
)

// handleResponse classifies a Discord response and updates rate-limit
// state, mirroring ratelimit.rs's handle_resp.
func (p *Proxy) handleResponse(route string, resp *fasthttp.Response) responseAction {
	status := resp.StatusCode()

	limit, _ := strconv.Atoi(string(resp.Header.PeekBytes(headerRateLimitLimit)))
	remaining, hasRemaining := -1, len(resp.Header.PeekBytes(headerRateLimitRemaining)) > 0

	if hasRemaining {
		remaining, _ = strconv.Atoi(string(resp.Header.PeekBytes(headerRateLimitRemaining)))
	}

	resetAt, hasReset := p.bucketResetAt(resp)

	switch {
	case status >= 500:
		p.Logger.Warn().Str("route", route).Int("status", status).Msg("discord server error, retrying after delay")
		time.Sleep(5 * time.Second)

		return actionRetry
	case status == 429:
		var body retryAfterBody
		_ = json.Unmarshal(resp.Body(), &body)

		until := time.Now().Add(time.Duration(body.RetryAfterMS) * time.Millisecond)

		if body.Global {
			p.Limiter.SetGlobal(until)
		} else {
			p.Limiter.DelayBucket(route, until)
		}

		p.Logger.Warn().Str("route", route).Bool("global", body.Global).
			Dur("retry_after", time.Duration(body.RetryAfterMS)*time.Millisecond).
			Msg("rate limited by discord")

		return actionRetry
	case status >= 400:
		var body discordErrorBody
		_ = json.Unmarshal(resp.Body(), &body)

		p.Logger.Debug().Str("route", route).Int("status", status).Int("code", body.Code).
			Msg("discord returned a client error")

		return actionPass
	default:
		if hasReset {
			p.Limiter.UpdateBucket(route, limit, remaining, resetAt)
		}

		return actionPass
	}
}

// bucketResetAt computes the bucket's reset time from the response
// headers, preferring the clock-drift-corrected absolute reset over
// the relative reset-after, per spec.md §6.3/property #6:
// reset_at = X-RateLimit-Reset + (local_now - Date).
func (p *Proxy) bucketResetAt(resp *fasthttp.Response) (time.Time, bool) {
	resetHeader := string(resp.Header.PeekBytes(headerRateLimitReset))
	dateHeader := string(resp.Header.PeekBytes(headerDate))

	if resetHeader != "" {
		resetEpoch, err := strconv.ParseFloat(resetHeader, 64)
		if err == nil {
			resetAt := time.Unix(0, int64(resetEpoch*float64(time.Second)))

			if date, err := time.Parse(time.RFC1123, dateHeader); err == nil {
				return resetAt.Add(time.Since(date)), true
			}

			return resetAt, true
		}
	}

	resetAfterHeader := string(resp.Header.PeekBytes(headerRateLimitResetAfter))
	if resetAfterHeader != "" {
		resetAfter, err := strconv.ParseFloat(resetAfterHeader, 64)
		if err == nil {
			return time.Now().Add(time.Duration(resetAfter * float64(time.Second))), true
		}
	}

	return time.Time{}, false
}
