package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mamadbah2/milkpay/internal/domain/models"
)

const defaultTransactionLimit = 50

// SettlementService is the settlement surface exposed over HTTP.
type SettlementService interface {
	ComputeBalance(ctx context.Context, farmerID string, filter models.PeriodFilter) (*models.FarmerBalance, error)
	SettleFarmer(ctx context.Context, farmerID string, filter models.PeriodFilter) (*models.SettlementResult, error)
	SettleAll(ctx context.Context, filter models.PeriodFilter) (*models.BulkSettlementReport, error)
}

// PriceService reads and writes the global price.
type PriceService interface {
	Current(ctx context.Context) (models.PriceConfig, error)
	SetPrice(ctx context.Context, price decimal.Decimal, actor string) (models.PriceConfig, error)
}

// Summarizer produces monthly summaries.
type Summarizer interface {
	SummarizeByMonth(ctx context.Context) ([]models.MonthSummary, error)
}

// RecordStore is the ingest and audit surface of the record store.
type RecordStore interface {
	SaveFarmer(ctx context.Context, farmer models.Farmer) error
	RecordDelivery(ctx context.Context, d models.DeliveryRecord) error
	RecordDeduction(ctx context.Context, d models.DeductionRecord) error
	ReadTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.PaymentTransaction, error)
}

// APIHandler serves the operator API.
type APIHandler struct {
	settlement SettlementService
	prices     PriceService
	summaries  Summarizer
	records    RecordStore
	loc        *time.Location
	logger     *zap.Logger
	now        func() time.Time
}

// NewAPIHandler constructs the operator API handler.
func NewAPIHandler(settlement SettlementService, prices PriceService, summaries Summarizer, records RecordStore, loc *time.Location, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &APIHandler{
		settlement: settlement,
		prices:     prices,
		summaries:  summaries,
		records:    records,
		loc:        loc,
		logger:     logger,
		now:        time.Now,
	}
}

type setPriceRequest struct {
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Actor     string          `json:"actor"`
}

type farmerRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name" binding:"required"`
	Phone string `json:"phone"`
}

type deliveryRequest struct {
	ID         string           `json:"id"`
	FarmerID   string           `json:"farmerId" binding:"required"`
	Quantity   decimal.Decimal  `json:"quantity"`
	UnitPrice  *decimal.Decimal `json:"unitPrice"`
	OccurredAt *time.Time       `json:"occurredAt"`
}

type deductionRequest struct {
	ID          string          `json:"id"`
	FarmerID    string          `json:"farmerId" binding:"required"`
	Cost        decimal.Decimal `json:"cost"`
	Description string          `json:"description"`
	OccurredAt  *time.Time      `json:"occurredAt"`
}

// GetPrice returns the price configuration in effect.
func (h *APIHandler) GetPrice(c *gin.Context) {
	cfg, err := h.prices.Current(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// SetPrice replaces the global price.
func (h *APIHandler) SetPrice(c *gin.Context) {
	var req setPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	cfg, err := h.prices.SetPrice(c.Request.Context(), req.UnitPrice, req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// GetBalance computes one farmer's balance for the period in the query string.
func (h *APIHandler) GetBalance(c *gin.Context) {
	filter, ok := h.periodFromQuery(c)
	if !ok {
		return
	}

	bal, err := h.settlement.ComputeBalance(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// SettleFarmer settles one farmer.
func (h *APIHandler) SettleFarmer(c *gin.Context) {
	filter, ok := h.periodFromQuery(c)
	if !ok {
		return
	}

	res, err := h.settlement.SettleFarmer(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// RunSettlement settles every farmer and returns the bulk report.
func (h *APIHandler) RunSettlement(c *gin.Context) {
	filter, ok := h.periodFromQuery(c)
	if !ok {
		return
	}

	report, err := h.settlement.SettleAll(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListTransactions returns payment transactions, newest first.
func (h *APIHandler) ListTransactions(c *gin.Context) {
	limit := defaultTransactionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	txns, err := h.records.ReadTransactions(c.Request.Context(), models.TransactionFilter{
		FarmerID: c.Query("farmerId"),
		Limit:    limit,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// MonthlySummaries returns the per-month aggregation.
func (h *APIHandler) MonthlySummaries(c *gin.Context) {
	summaries, err := h.summaries.SummarizeByMonth(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"months": summaries})
}

// CreateFarmer registers or updates a farmer profile.
func (h *APIHandler) CreateFarmer(c *gin.Context) {
	var req farmerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	farmer := models.Farmer{ID: req.ID, Name: req.Name, Phone: req.Phone, CreatedAt: h.now().UTC()}
	if farmer.ID == "" {
		farmer.ID = uuid.NewString()
	}
	if err := h.records.SaveFarmer(c.Request.Context(), farmer); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, farmer)
}

// RecordDelivery stores a pending milk delivery.
func (h *APIHandler) RecordDelivery(c *gin.Context) {
	var req deliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	d := models.DeliveryRecord{
		ID:         req.ID,
		FarmerID:   req.FarmerID,
		Quantity:   req.Quantity,
		UnitPrice:  req.UnitPrice,
		OccurredAt: h.occurredAt(req.OccurredAt),
		Status:     models.DeliveryPending,
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := h.records.RecordDelivery(c.Request.Context(), d); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// RecordDeduction stores an outstanding feed deduction.
func (h *APIHandler) RecordDeduction(c *gin.Context) {
	var req deductionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	d := models.DeductionRecord{
		ID:          req.ID,
		FarmerID:    req.FarmerID,
		Cost:        req.Cost,
		Description: req.Description,
		OccurredAt:  h.occurredAt(req.OccurredAt),
		Status:      models.DeductionOutstanding,
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := h.records.RecordDeduction(c.Request.Context(), d); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *APIHandler) occurredAt(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return h.now().UTC()
	}
	return t.UTC()
}

func (h *APIHandler) periodFromQuery(c *gin.Context) (models.PeriodFilter, bool) {
	filter, err := models.ParsePeriod(c.Query("month"), c.Query("year"), c.Query("from"), c.Query("to"), h.now(), h.loc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return models.PeriodFilter{}, false
	}
	return filter, true
}

func (h *APIHandler) writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(models.OutcomeFor(err))})
}

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidPrice),
		errors.Is(err, models.ErrInvalidPeriod),
		errors.Is(err, models.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNoPendingBalance),
		errors.Is(err, models.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, models.ErrNegativeBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
