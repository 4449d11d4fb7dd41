// Package proto implements the task ingress protocol (§6.1): Fiber
// routes for the CHECK/SYMBOLS/REPORT/REPORT_IFSPAM/PING/PROCESS/LEARN
// command set, header parsing, and the structured JSON reply shape.
package proto

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/port/in"
	"github.com/contentguard/scanner/pkg/apperr"
	"github.com/contentguard/scanner/pkg/logger"
	"github.com/contentguard/scanner/pkg/ratelimit"
)

// Handler adapts in.ScanService to Fiber's HTTP surface.
type Handler struct {
	svc     in.ScanService
	timeout time.Duration
	guard   *ratelimit.MemoryGuard
}

// NewHandler builds a Handler. timeout bounds how long a task is allowed
// to run before its Deadline is considered exceeded; zero disables the
// deadline. memGuard caps repeated-header counts (e.g. Rcpt) parsed off
// a single request; nil falls back to ratelimit.DefaultConfig's limit.
func NewHandler(svc in.ScanService, timeout time.Duration, memGuard *ratelimit.MemoryGuard) *Handler {
	if memGuard == nil {
		memGuard = ratelimit.NewMemoryGuard(ratelimit.DefaultConfig().MaxPayloadSize)
	}
	return &Handler{svc: svc, timeout: timeout, guard: memGuard}
}

// Register mounts every ingress command under app, throttled by guard's
// per-source-IP semaphore/rate-limit/debounce stack.
func (h *Handler) Register(app *fiber.App, guard *ratelimit.IngressGuard) {
	throttle := h.Throttle(guard)
	app.Post("/check", throttle, h.Check)
	app.Post("/symbols", throttle, h.Symbols)
	app.Post("/report", throttle, h.Report)
	app.Post("/reportifspam", throttle, h.ReportIfSpam)
	app.Post("/process", throttle, h.Process)
	app.Post("/learn", throttle, h.Learn)
	app.Get("/ping", h.Ping)
}

// Check runs CHECK: every applicable rule, full per-metric scoring.
func (h *Handler) Check(c *fiber.Ctx) error {
	task := h.parseTask(c)
	replies, err := h.svc.Check(c.Context(), task)
	if err != nil {
		return err
	}
	return c.JSON(replies)
}

// Symbols runs SYMBOLS: fired symbols only, no scoring detail.
func (h *Handler) Symbols(c *fiber.Ctx) error {
	task := h.parseTask(c)
	symbols, err := h.svc.Symbols(c.Context(), task)
	if err != nil {
		return err
	}
	return c.JSON(symbols)
}

// reportReply is CHECK's reply shape plus a human-readable summary line.
type reportReply struct {
	Messages []in.ScanReply `json:"messages"`
	Report   string         `json:"report"`
}

// Report runs REPORT: CHECK plus a summary line.
func (h *Handler) Report(c *fiber.Ctx) error {
	task := h.parseTask(c)
	replies, summary, err := h.svc.Report(c.Context(), task)
	if err != nil {
		return err
	}
	return c.JSON(reportReply{Messages: replies, Report: summary})
}

// ReportIfSpam runs REPORT_IFSPAM: empty reply unless the verdict is
// spam-like.
func (h *Handler) ReportIfSpam(c *fiber.Ctx) error {
	task := h.parseTask(c)
	replies, summary, err := h.svc.ReportIfSpam(c.Context(), task)
	if err != nil {
		return err
	}
	if replies == nil {
		return c.JSON(reportReply{})
	}
	return c.JSON(reportReply{Messages: replies, Report: summary})
}

// Process runs PROCESS: the rule plan without learning side effects.
func (h *Handler) Process(c *fiber.Ctx) error {
	task := h.parseTask(c)
	replies, err := h.svc.Process(c.Context(), task)
	if err != nil {
		return err
	}
	return c.JSON(replies)
}

// Ping answers PING.
func (h *Handler) Ping(c *fiber.Ctx) error {
	if err := h.svc.Ping(c.Context()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"pong": true})
}

// Learn runs LEARN against the classifier named by the `classifier`
// query parameter, with `is_spam` selecting the training class.
func (h *Handler) Learn(c *fiber.Ctx) error {
	classifier := c.Query("classifier")
	if classifier == "" {
		return apperr.MissingField("classifier")
	}
	isSpam, err := strconv.ParseBool(c.Query("is_spam", "true"))
	if err != nil {
		return apperr.InvalidInput("is_spam", "must be a boolean")
	}

	task := h.parseTask(c)
	if err := h.svc.Learn(c.Context(), task, classifier, isSpam); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}

// parseTask builds a Task from the request line's well-known headers
// (§6.1) and the raw RFC-5322 body.
func (h *Handler) parseTask(c *fiber.Ctx) *domain.Task {
	task := domain.NewTask(uuid.New().String())
	task.Message = append([]byte(nil), c.Body()...)
	task.Envelope = domain.Envelope{
		IP:              c.Get("IP"),
		From:            c.Get("From"),
		Rcpt:            rcptHeaders(c, h.guard),
		Helo:            c.Get("Helo"),
		Hostname:        c.Get("Hostname"),
		User:            c.Get("User"),
		DeliverTo:       c.Get("Deliver-To"),
		QueueID:         c.Get("Queue-Id"),
		PassAll:         strings.EqualFold(c.Get("Pass"), "all"),
		SubjectOverride: c.Get("Subject"),
	}
	if h.timeout > 0 {
		task.Deadline = time.Now().Add(h.timeout)
	}

	logger.WithTask(task.ID).WithField("queue_id", task.Envelope.QueueID).Debug("task received")
	return task
}

// rcptHeaders collects every repeated Rcpt header; fasthttp only
// surfaces the first value via Get, so repeats are walked explicitly.
// guard caps how many are kept, so a header-flooding request can't force
// unbounded allocation on a single task.
func rcptHeaders(c *fiber.Ctx, guard *ratelimit.MemoryGuard) []string {
	var rcpts []string
	c.Request().Header.VisitAll(func(key, value []byte) {
		if !strings.EqualFold(string(key), "Rcpt") || len(rcpts) >= guard.MaxPayloadSize {
			return
		}
		rcpts = append(rcpts, string(value))
	})
	return rcpts
}
