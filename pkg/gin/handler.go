// Package gin exposes the authorization registry, the flow orchestrator and the loading
// ledger over HTTP.
package gin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	dapps "github.com/decentraland/dapps/go"
	"github.com/decentraland/dapps/go/pkg/types"
)

// Handler serves the authorization API
type Handler struct {
	flow    *dapps.AuthorizationFlow
	owner   string
	baseCtx context.Context
	logger  *slog.Logger
}

// Options is the type for the options of the Handler.
type Options func(*Handler)

// WithOwner sets the wallet address used for authorizations sent without one
func WithOwner(owner string) Options {
	return func(h *Handler) {
		h.owner = owner
	}
}

// WithBaseContext sets the context flows started over HTTP run under.
// Flows outlive their request; cancelling this context abandons them.
func WithBaseContext(ctx context.Context) Options {
	return func(h *Handler) {
		h.baseCtx = ctx
	}
}

// WithLogger sets the handler logger
func WithLogger(logger *slog.Logger) Options {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a handler over flow
func NewHandler(flow *dapps.AuthorizationFlow, opts ...Options) *Handler {
	h := &Handler{
		flow:    flow,
		baseCtx: context.Background(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the routes on r
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/authorizations", h.getAuthorizations)
	r.POST("/authorizations/refresh", h.refreshAuthorizations)
	r.POST("/flows", h.startFlow)
	r.GET("/flows/:id", h.getFlow)
	r.DELETE("/flows/:id", h.clearFlow)
	r.GET("/loading", h.getLoading)
	r.POST("/reset", h.reset)
}

// NewRouter returns a gin engine serving the handler
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r)
	return r
}

func (h *Handler) getAuthorizations(c *gin.Context) {
	c.JSON(http.StatusOK, types.AuthorizationsResponse{Authorizations: h.flow.Registry().Get()})
}

func (h *Handler) refreshAuthorizations(c *gin.Context) {
	document, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return
	}
	body, err := types.DecodeRefreshRequest(document)
	if err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return
	}
	for i := range body.Authorizations {
		h.fillOwner(&body.Authorizations[i])
	}

	result, err := h.flow.Registry().Refresh(c.Request.Context(), body.Authorizations)
	if err != nil {
		h.abort(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) startFlow(c *gin.Context) {
	document, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return
	}
	body, err := types.DecodeFlowRequest(document)
	if err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return
	}
	h.fillOwner(&body.Authorization)
	req, err := body.FlowRequest()
	if err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return
	}

	run, err := h.flow.Start(h.baseCtx, req)
	if err != nil {
		if errors.Is(err, dapps.ErrFlowInProgress) {
			h.abort(c, http.StatusConflict, err)
			return
		}
		h.abort(c, http.StatusBadRequest, err)
		return
	}

	snapshot, ok := h.flow.SnapshotByID(run.ID())
	if !ok {
		// cleared between Start and here
		h.abort(c, http.StatusConflict, dapps.ErrFlowAbandoned)
		return
	}
	c.Header("Location", "/flows/"+run.ID())
	c.JSON(http.StatusAccepted, types.NewFlowResponse(snapshot, h.flow.Ledger().Entries()))
}

func (h *Handler) getFlow(c *gin.Context) {
	snapshot, ok := h.flow.SnapshotByID(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, types.ErrorResponse{Error: "flow not found"})
		return
	}
	c.JSON(http.StatusOK, types.NewFlowResponse(snapshot, h.flow.Ledger().Entries()))
}

func (h *Handler) clearFlow(c *gin.Context) {
	snapshot, ok := h.flow.SnapshotByID(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, types.ErrorResponse{Error: "flow not found"})
		return
	}
	h.flow.Clear(snapshot.Authorization)
	h.logger.Info("authorization flow cleared", "flow_id", snapshot.ID, "authorization", snapshot.Authorization.Key())
	c.Status(http.StatusNoContent)
}

func (h *Handler) getLoading(c *gin.Context) {
	c.JSON(http.StatusOK, types.LoadingResponse{Entries: h.flow.Ledger().Entries()})
}

func (h *Handler) reset(c *gin.Context) {
	h.flow.Reset()
	c.Status(http.StatusNoContent)
}

func (h *Handler) fillOwner(authorization *dapps.Authorization) {
	if authorization.OwnerAddress == "" {
		authorization.OwnerAddress = h.owner
	}
}

func (h *Handler) abort(c *gin.Context, status int, err error) {
	response := types.ErrorResponse{Error: err.Error()}

	var validationErr *types.ValidationError
	var flowErr *dapps.FlowError
	switch {
	case errors.As(err, &validationErr):
		response.Error = "invalid request"
		response.Details = validationErr.Errors
	case errors.As(err, &flowErr):
		response.Error = flowErr.Message
		response.Kind = flowErr.Kind
	}

	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, response)
}
