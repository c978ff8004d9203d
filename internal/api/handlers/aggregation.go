package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"contact-aggregator/internal/api"
	"contact-aggregator/internal/db"
	"contact-aggregator/internal/identity"
	"contact-aggregator/internal/logger"
	"contact-aggregator/internal/repository"
	"contact-aggregator/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// AggregationServiceInterface is the part of the aggregation service the
// handlers use.
type AggregationServiceInterface interface {
	CreateRawContact(ctx context.Context, in service.CreateRawContactInput) (*repository.RawContact, *service.AggregationResult, error)
	AggregateRawContact(ctx context.Context, rawContactID int64) (*service.AggregationResult, error)
	FindSuggestions(ctx context.Context, contactID int64, limit int) ([]service.Suggestion, error)
	SuggestByName(ctx context.Context, name string, limit int) ([]service.Suggestion, error)
	AddException(ctx context.Context, t repository.ExceptionType, rawContactID1, rawContactID2 int64) ([]*service.AggregationResult, error)
}

// NicknameLookup resolves a normalized name to its nickname clusters.
type NicknameLookup interface {
	Clusters(ctx context.Context, normalizedName string) ([]string, error)
}

const maxSuggestionLimit = 100

// AggregationHandler handles raw contact ingestion, aggregation and
// suggestion requests.
type AggregationHandler struct {
	aggregation AggregationServiceInterface
	nicknames   NicknameLookup
	validator   *validator.Validate
}

// NewAggregationHandler creates a new aggregation handler
func NewAggregationHandler(aggregation AggregationServiceInterface, nicknames NicknameLookup) *AggregationHandler {
	return &AggregationHandler{
		aggregation: aggregation,
		nicknames:   nicknames,
		validator:   newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	// "namespace:value", e.g. "passport:X1234"
	err := v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		namespace, value, ok := strings.Cut(fl.Field().String(), ":")
		return ok && strings.TrimSpace(namespace) != "" && strings.TrimSpace(value) != ""
	})
	if err != nil {
		panic(fmt.Sprintf("register identity validation: %v", err))
	}
	return v
}

// RegisterRoutes mounts the aggregation routes on rg.
func (h *AggregationHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/raw-contacts", h.CreateRawContact)
	rg.POST("/raw-contacts/:id/aggregate", h.AggregateRawContact)
	rg.GET("/contacts/:id/suggestions", h.GetContactSuggestions)
	rg.GET("/suggestions", h.SuggestByName)
	rg.POST("/aggregation-exceptions", h.AddException)
	rg.GET("/nicknames/:name/clusters", h.GetNicknameClusters)
}

// CreateRawContactRequest is a raw contact submitted for aggregation.
type CreateRawContactRequest struct {
	AccountID       int64    `json:"account_id" validate:"gte=0" example:"1"`
	DisplayName     string   `json:"display_name" validate:"required,max=255" example:"John Smith"`
	Nicknames       []string `json:"nicknames,omitempty" validate:"omitempty,max=20,dive,required,max=100"`
	Emails          []string `json:"emails,omitempty" validate:"omitempty,max=20,dive,required,email"`
	Phones          []string `json:"phones,omitempty" validate:"omitempty,max=20,dive,required,max=50"`
	Identities      []string `json:"identities,omitempty" validate:"omitempty,max=20,dive,required,identity"`
	AggregationMode string   `json:"aggregation_mode,omitempty" validate:"omitempty,oneof=default disabled suspended"`
}

// RawContactResponse is a stored raw contact plus the aggregation outcome.
type RawContactResponse struct {
	RawContact  *repository.RawContact     `json:"raw_contact"`
	Aggregation *service.AggregationResult `json:"aggregation,omitempty"`
}

// AddExceptionRequest records a manual aggregation decision.
type AddExceptionRequest struct {
	Type          string `json:"type" validate:"required,oneof=keep_together keep_separate" example:"keep_separate"`
	RawContactID1 int64  `json:"raw_contact_id1" validate:"required,gt=0"`
	RawContactID2 int64  `json:"raw_contact_id2" validate:"required,gt=0,nefield=RawContactID1"`
}

// NicknameClustersResponse lists the clusters a name belongs to.
type NicknameClustersResponse struct {
	Name       string   `json:"name"`
	Normalized string   `json:"normalized"`
	Clusters   []string `json:"clusters"`
}

// CreateRawContact stores a raw contact and aggregates it
// @Summary Create a raw contact
// @Tags aggregation
// @Accept json
// @Produce json
// @Param raw_contact body CreateRawContactRequest true "Raw contact"
// @Success 201 {object} api.APIResponse{data=RawContactResponse}
// @Failure 400 {object} api.APIResponse{error=api.APIError}
// @Router /raw-contacts [post]
func (h *AggregationHandler) CreateRawContact(c *gin.Context) {
	var req CreateRawContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "Invalid request body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		api.SendValidationError(c, "Validation failed", err.Error())
		return
	}

	mode, err := repository.ParseAggregationMode(req.AggregationMode)
	if err != nil {
		api.SendValidationError(c, "Validation failed", err.Error())
		return
	}

	rc, result, err := h.aggregation.CreateRawContact(c.Request.Context(), service.CreateRawContactInput{
		AccountID:       req.AccountID,
		DisplayName:     req.DisplayName,
		Nicknames:       req.Nicknames,
		Emails:          req.Emails,
		Phones:          req.Phones,
		Identities:      req.Identities,
		AggregationMode: mode,
	})
	if err != nil && rc == nil {
		sendServiceError(c, err, "Raw contact", "Failed to create raw contact")
		return
	}
	if err != nil {
		// stored but left flagged for the sweep
		logger.Warn().Err(err).Int64("raw_contact_id", rc.ID).Msg("aggregation after create failed")
	}

	api.SendSuccess(c, http.StatusCreated, RawContactResponse{RawContact: rc, Aggregation: result}, nil)
}

// AggregateRawContact re-runs aggregation for one raw contact
// @Summary Aggregate a raw contact
// @Tags aggregation
// @Produce json
// @Param id path int true "Raw contact ID"
// @Success 200 {object} api.APIResponse{data=service.AggregationResult}
// @Failure 404 {object} api.APIResponse{error=api.APIError}
// @Router /raw-contacts/{id}/aggregate [post]
func (h *AggregationHandler) AggregateRawContact(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "raw contact")
	if !ok {
		return
	}

	result, err := h.aggregation.AggregateRawContact(c.Request.Context(), id)
	if err != nil {
		sendServiceError(c, err, "Raw contact", "Failed to aggregate raw contact")
		return
	}
	api.SendSuccess(c, http.StatusOK, result, nil)
}

// GetContactSuggestions lists contacts that may be the same person
// @Summary Aggregation suggestions for a contact
// @Tags aggregation
// @Produce json
// @Param id path int true "Contact ID"
// @Param limit query int false "Maximum suggestions"
// @Success 200 {object} api.APIResponse{data=[]service.Suggestion}
// @Router /contacts/{id}/suggestions [get]
func (h *AggregationHandler) GetContactSuggestions(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "contact")
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	suggestions, err := h.aggregation.FindSuggestions(c.Request.Context(), id, limit)
	if err != nil {
		sendServiceError(c, err, "Contact", "Failed to find suggestions")
		return
	}
	api.SendSuccess(c, http.StatusOK, suggestions, &api.Meta{Count: len(suggestions), Limit: limit})
}

// SuggestByName lists contacts whose names resemble the query
// @Summary Aggregation suggestions for a name
// @Tags aggregation
// @Produce json
// @Param name query string true "Name"
// @Param limit query int false "Maximum suggestions"
// @Success 200 {object} api.APIResponse{data=[]service.Suggestion}
// @Router /suggestions [get]
func (h *AggregationHandler) SuggestByName(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		api.SendValidationError(c, "Validation failed", "name query parameter is required")
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	suggestions, err := h.aggregation.SuggestByName(c.Request.Context(), name, limit)
	if err != nil {
		sendServiceError(c, err, "Name", "Failed to find suggestions")
		return
	}
	api.SendSuccess(c, http.StatusOK, suggestions, &api.Meta{Count: len(suggestions), Limit: limit})
}

// AddException records a keep-together or keep-separate decision
// @Summary Add an aggregation exception
// @Tags aggregation
// @Accept json
// @Produce json
// @Param exception body AddExceptionRequest true "Exception"
// @Success 201 {object} api.APIResponse{data=[]service.AggregationResult}
// @Router /aggregation-exceptions [post]
func (h *AggregationHandler) AddException(c *gin.Context) {
	var req AddExceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.SendValidationError(c, "Invalid request body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		api.SendValidationError(c, "Validation failed", err.Error())
		return
	}

	t := repository.ExceptionKeepTogether
	if req.Type == "keep_separate" {
		t = repository.ExceptionKeepSeparate
	}

	results, err := h.aggregation.AddException(c.Request.Context(), t, req.RawContactID1, req.RawContactID2)
	if err != nil {
		sendServiceError(c, err, "Raw contact", "Failed to add aggregation exception")
		return
	}
	api.SendSuccess(c, http.StatusCreated, results, nil)
}

// GetNicknameClusters returns the nickname clusters of a name
// @Summary Nickname clusters for a name
// @Tags aggregation
// @Produce json
// @Param name path string true "Name"
// @Success 200 {object} api.APIResponse{data=NicknameClustersResponse}
// @Router /nicknames/{name}/clusters [get]
func (h *AggregationHandler) GetNicknameClusters(c *gin.Context) {
	name := c.Param("name")
	normalized := identity.NormalizeName(name)
	if normalized == "" {
		api.SendValidationError(c, "Validation failed", "name has no matchable characters")
		return
	}

	clusters, err := h.nicknames.Clusters(c.Request.Context(), normalized)
	if err != nil {
		sendServiceError(c, err, "Nickname", "Failed to look up nickname clusters")
		return
	}
	if clusters == nil {
		clusters = []string{}
	}
	api.SendSuccess(c, http.StatusOK, NicknameClustersResponse{
		Name:       name,
		Normalized: normalized,
		Clusters:   clusters,
	}, nil)
}

func parseIDParam(c *gin.Context, param, resource string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		api.SendValidationError(c, "Invalid "+resource+" ID", "ID must be a positive integer")
		return 0, false
	}
	return id, true
}

// parseLimit reads the optional limit query parameter. Zero means the
// service default.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxSuggestionLimit {
		api.SendValidationError(c, "Invalid limit", "limit must be between 1 and 100")
		return 0, false
	}
	return limit, true
}

func sendServiceError(c *gin.Context, err error, resource, message string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		api.SendNotFound(c, resource)
	case errors.Is(err, service.ErrAggregationDisabled):
		api.SendServiceUnavailable(c, err.Error())
	case errors.Is(err, service.ErrInvalidName), errors.Is(err, service.ErrInvalidException):
		api.SendValidationError(c, message, err.Error())
	default:
		logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg(message)
		api.SendInternalError(c, message)
	}
}
