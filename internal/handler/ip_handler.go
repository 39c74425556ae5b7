package handler

import (
	"context"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"ipcountry/internal/model"
)

const historyLimit = 50

type LookupService interface {
	Lookup(addr netip.Addr) model.LookupResult
	Status() []model.TableStatus
}

type HistoryStore interface {
	RecentRefreshes(ctx context.Context, limit int) ([]model.RefreshRecord, error)
}

type Handler struct {
	service LookupService
	history HistoryStore
	version string
	logger  *zap.Logger
}

func NewHandler(service LookupService, history HistoryStore, version string, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		history: history,
		version: version,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/v1/health", h.HealthCheck)
	app.Get("/api/v1/status", h.Status)
	app.Get("/api/v1/refreshes", h.Refreshes)
	app.Get("/", h.LookupCaller)
	app.Get("/:address", h.LookupAddress)
}

// LookupCaller resolves the first address listed in X-Forwarded-For.
func (h *Handler) LookupCaller(c *fiber.Ctx) error {
	forwarded := c.Get(fiber.HeaderXForwardedFor)
	first, _, _ := strings.Cut(forwarded, ",")
	return h.respond(c, first)
}

func (h *Handler) LookupAddress(c *fiber.Ctx) error {
	return h.respond(c, c.Params("address"))
}

// respond always answers 200. An unparsable address yields only an empty
// ip_address field; a parsed one yields all five fields even on a miss.
func (h *Handler) respond(c *fiber.Ctx, raw string) error {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil || addr.Zone() != "" {
		h.logger.Debug("unresolvable address", zap.String("input", raw))
		return c.JSON(fiber.Map{"ip_address": ""})
	}

	result := h.service.Lookup(addr)

	return c.JSON(map[string]string{
		"ip_address":   result.Address,
		"ip_number":    result.Ordinal,
		"ip_type":      result.Family.String(),
		"country_code": result.CountryCode,
		"is_eu":        strconv.FormatBool(result.IsEUMember),
	})
}

func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"version": h.version,
	})
}

func (h *Handler) Status(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"version": h.version,
		"tables":  h.service.Status(),
	})
}

func (h *Handler) Refreshes(c *fiber.Ctx) error {
	if h.history == nil {
		return c.JSON([]model.RefreshRecord{})
	}

	records, err := h.history.RecentRefreshes(c.UserContext(), historyLimit)
	if err != nil {
		h.logger.Error("listing refresh history failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(model.Error{
			Message: "Failed to list refresh history",
		})
	}
	return c.JSON(records)
}
