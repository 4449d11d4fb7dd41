package proto

import (
	"github.com/gofiber/fiber/v2"

	"github.com/contentguard/scanner/pkg/apperr"
	"github.com/contentguard/scanner/pkg/ratelimit"
)

// Throttle builds Fiber middleware that guards every ingress command
// (§6.1) with guard's semaphore/rate-limit/debounce stack: the
// concurrency semaphore is shared by every request, the rate budget is
// scoped to the source IP (the `IP` header, falling back to the
// transport peer address when absent), while
// duplicate-submission debouncing is scoped to the message's `Queue-Id`
// header so two distinct messages from the same peer are never folded
// together. A rejected request never reaches parseTask, so a flooding
// or retrying MTA cannot build up task state.
func (h *Handler) Throttle(guard *ratelimit.IngressGuard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rateKey := c.Get("IP")
		if rateKey == "" {
			rateKey = c.IP()
		}
		dedupeKey := c.Get("Queue-Id")

		result, release := guard.Acquire(c.Context(), rateKey, dedupeKey)
		if release != nil {
			defer release()
		}
		if !result.Allowed {
			return apperr.RateLimited(rateKey, result.Reason)
		}

		return c.Next()
	}
}
