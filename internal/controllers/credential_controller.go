package controllers

import (
	"errors"

	"github.com/droidpool/droidpool/internal/domain"
	"github.com/droidpool/droidpool/internal/managers"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// CredentialController exposes the pool's management and proxy-path
// operations over HTTP. Management responses are always redacted; only the
// acquire handler returns plaintext secret material.
type CredentialController struct {
	manager   *managers.CredentialManager
	store     domain.CredentialStore
	pool      domain.CredentialPool
	refresher domain.TokenRefresher
	checker   domain.HealthChecker
}

type CredentialControllerDependencies struct {
	Manager   *managers.CredentialManager
	Store     domain.CredentialStore
	Pool      domain.CredentialPool
	Refresher domain.TokenRefresher
	Checker   domain.HealthChecker
}

func NewCredentialController(deps CredentialControllerDependencies) *CredentialController {
	return &CredentialController{
		manager:   deps.Manager,
		store:     deps.Store,
		pool:      deps.Pool,
		refresher: deps.Refresher,
		checker:   deps.Checker,
	}
}

// List returns all credentials, redacted, in insertion order.
func (c *CredentialController) List(ctx fiber.Ctx) error {
	list, err := c.manager.List(ctx.RequestCtx())
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(fiber.Map{"credentials": list})
}

// Get returns one credential, redacted.
func (c *CredentialController) Get(ctx fiber.Ctx) error {
	redacted, err := c.manager.Get(ctx.RequestCtx(), ctx.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(redacted)
}

// ImportOAuth stores an imported OAuth credential file payload.
func (c *CredentialController) ImportOAuth(ctx fiber.Ctx) error {
	var req managers.ImportOAuthParams
	if err := ctx.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	redacted, err := c.manager.ImportOAuth(ctx.RequestCtx(), req)
	if err != nil {
		return toHTTPError(err)
	}

	log.Info().Str("uuid", redacted.UUID).Msg("OAuth credential imported")
	return ctx.Status(fiber.StatusCreated).JSON(redacted)
}

// CreateAPIKey stores a directly entered key set.
func (c *CredentialController) CreateAPIKey(ctx fiber.Ctx) error {
	var req managers.CreateAPIKeyParams
	if err := ctx.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	redacted, err := c.manager.CreateAPIKey(ctx.RequestCtx(), req)
	if err != nil {
		return toHTTPError(err)
	}

	log.Info().Str("uuid", redacted.UUID).Msg("API key credential created")
	return ctx.Status(fiber.StatusCreated).JSON(redacted)
}

type updateRequest struct {
	DisplayName *string                     `json:"name"`
	Endpoint    *domain.EndpointType        `json:"endpoint_type"`
	OwnerEmail  *string                     `json:"owner_email"`
	KeyStatus   map[string]domain.KeyStatus `json:"key_status"`
}

// Update applies a partial patch; fields from the wrong auth kind are
// rejected by the store.
func (c *CredentialController) Update(ctx fiber.Ctx) error {
	var req updateRequest
	if err := ctx.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	patch := domain.Patch{
		DisplayName: req.DisplayName,
		Endpoint:    req.Endpoint,
		KeyStatus:   req.KeyStatus,
	}
	if req.OwnerEmail != nil {
		patch.OAuth = &domain.OAuthPatch{OwnerEmail: req.OwnerEmail}
	}

	redacted, err := c.manager.Update(ctx.RequestCtx(), ctx.Params("id"), patch)
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(redacted)
}

// Delete removes a credential permanently.
func (c *CredentialController) Delete(ctx fiber.Ctx) error {
	if err := c.store.Delete(ctx.RequestCtx(), ctx.Params("id")); err != nil {
		return toHTTPError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

// Disable removes the credential from selection without deleting it.
func (c *CredentialController) Disable(ctx fiber.Ctx) error {
	return c.setDisabled(ctx, true)
}

// Enable returns the credential to selection.
func (c *CredentialController) Enable(ctx fiber.Ctx) error {
	return c.setDisabled(ctx, false)
}

func (c *CredentialController) setDisabled(ctx fiber.Ctx, disabled bool) error {
	id := ctx.Params("id")
	if err := c.store.SetDisabled(ctx.RequestCtx(), id, disabled); err != nil {
		return toHTTPError(err)
	}
	redacted, err := c.manager.Get(ctx.RequestCtx(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(redacted)
}

// Reset clears the credential's counters and health state.
func (c *CredentialController) Reset(ctx fiber.Ctx) error {
	id := ctx.Params("id")
	if err := c.pool.Reset(ctx.RequestCtx(), id); err != nil {
		return toHTTPError(err)
	}
	redacted, err := c.manager.Get(ctx.RequestCtx(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(redacted)
}

// Check runs an on-demand health probe.
func (c *CredentialController) Check(ctx fiber.Ctx) error {
	result, err := c.checker.Check(ctx.RequestCtx(), ctx.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(result)
}

// Refresh runs an on-demand manual token refresh.
func (c *CredentialController) Refresh(ctx fiber.Ctx) error {
	outcome, err := c.refresher.Refresh(ctx.RequestCtx(), ctx.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(outcome)
}

type acquireRequest struct {
	EndpointType domain.EndpointType `json:"endpoint_type"`
}

// Acquire hands a decrypted credential to the routing layer.
func (c *CredentialController) Acquire(ctx fiber.Ctx) error {
	var req acquireRequest
	if err := ctx.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if !req.EndpointType.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "Unknown endpoint type")
	}

	selected, err := c.pool.Acquire(ctx.RequestCtx(), req.EndpointType)
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(selected)
}

type reportRequest struct {
	UUID       string `json:"uuid"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
}

// Report books the routing layer's outcome feedback.
func (c *CredentialController) Report(ctx fiber.Ctx) error {
	var req reportRequest
	if err := ctx.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	err := c.pool.ReportOutcome(ctx.RequestCtx(), domain.Outcome{
		UUID:       req.UUID,
		Success:    req.Success,
		StatusCode: req.StatusCode,
		Error:      req.Error,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return ctx.JSON(fiber.Map{
		"class": domain.ClassifyStatus(req.StatusCode),
	})
}

// ListModels returns the static Droid model table.
func (c *CredentialController) ListModels(ctx fiber.Ctx) error {
	return ctx.JSON(fiber.Map{"models": domain.ListModels()})
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidPayload):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrPoolExhausted):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrUpstream):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	case errors.Is(err, domain.ErrIntegrity):
		log.Error().Err(err).Msg("Credential integrity failure")
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
