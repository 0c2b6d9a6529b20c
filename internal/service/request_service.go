package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/internal/dto"
	"github.com/noah-isme/coi-workflow/internal/models"
	"github.com/noah-isme/coi-workflow/internal/repository"
	appErrors "github.com/noah-isme/coi-workflow/pkg/errors"
	"github.com/noah-isme/coi-workflow/pkg/export"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxExportRows   = 500
)

// Export formats accepted by RequestService.Export.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

type requestFinder interface {
	Get(ctx context.Context, id string) (*models.Request, error)
	List(ctx context.Context, filter models.RequestFilter) ([]models.Request, error)
	Count(ctx context.Context, filter models.RequestFilter) (int, error)
}

type eventLister interface {
	ListByRequest(ctx context.Context, requestID string) ([]models.RequestEvent, error)
}

type tableRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type titledRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportFile is a rendered request listing.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// RequestService serves read-only operator views of requests.
type RequestService struct {
	requests requestFinder
	events   eventLister
	csv      tableRenderer
	pdf      titledRenderer
	logger   *zap.Logger
	now      func() time.Time
}

// NewRequestService constructs the query service. Renderers default to the export package.
func NewRequestService(requests requestFinder, events eventLister, logger *zap.Logger) *RequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestService{
		requests: requests,
		events:   events,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		logger:   logger,
		now:      time.Now,
	}
}

// List returns a page of requests, newest first.
func (s *RequestService) List(ctx context.Context, query dto.RequestQuery) ([]models.Request, *models.Pagination, error) {
	filter, err := buildRequestFilter(query)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}
	total, err := s.requests.Count(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count requests")
	}
	return items, &models.Pagination{Page: filter.Offset/filter.Limit + 1, PageSize: filter.Limit, TotalCount: total}, nil
}

// Get returns a single request.
func (s *RequestService) Get(ctx context.Context, id string) (*models.Request, error) {
	req, err := s.requests.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	return req, nil
}

// Events returns the transition history of a request, oldest first.
func (s *RequestService) Events(ctx context.Context, id string) ([]models.RequestEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.events == nil {
		return []models.RequestEvent{}, nil
	}
	events, err := s.events.ListByRequest(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request history")
	}
	return events, nil
}

// Export renders the filtered listing as CSV or PDF.
func (s *RequestService) Export(ctx context.Context, query dto.RequestQuery, format string) (*ExportFile, error) {
	filter, err := buildRequestFilter(query)
	if err != nil {
		return nil, err
	}
	filter.Limit = maxExportRows
	filter.Offset = 0
	items, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}
	dataset := requestDataset(items)
	stamp := s.now().UTC().Format("20060102_150405")

	switch strings.ToLower(format) {
	case "", ExportFormatCSV:
		data, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
		}
		return &ExportFile{Filename: "coi_requests_" + stamp + ".csv", ContentType: "text/csv", Data: data}, nil
	case ExportFormatPDF:
		data, err := s.pdf.Render(dataset, "COI Requests")
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
		}
		return &ExportFile{Filename: "coi_requests_" + stamp + ".pdf", ContentType: "application/pdf", Data: data}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
}

func buildRequestFilter(query dto.RequestQuery) (models.RequestFilter, error) {
	for _, state := range query.States {
		if !state.Valid() {
			return models.RequestFilter{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown state %q", state))
		}
	}
	size := query.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	page := query.Page
	if page <= 0 {
		page = 1
	}
	return models.RequestFilter{States: query.States, Limit: size, Offset: (page - 1) * size}, nil
}

var requestExportHeaders = []string{"id", "state", "mailbox", "subject", "insured", "holder", "recipient", "confirmation", "failure", "created_at", "updated_at"}

func requestDataset(items []models.Request) export.Dataset {
	rows := make([]map[string]string, 0, len(items))
	for _, item := range items {
		row := map[string]string{
			"id":         item.ID,
			"state":      string(item.State),
			"mailbox":    item.Message.Mailbox,
			"subject":    item.Message.Subject,
			"created_at": item.CreatedAt.UTC().Format(time.RFC3339),
			"updated_at": item.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if item.HolderDetails != nil {
			row["insured"] = item.HolderDetails.InsuredName
			row["holder"] = item.HolderDetails.HolderName
		}
		if item.IssuanceResult != nil {
			row["recipient"] = item.IssuanceResult.Recipient
			row["confirmation"] = item.IssuanceResult.ConfirmationID
		}
		if item.FailureReason != nil {
			row["failure"] = *item.FailureReason
		}
		rows = append(rows, row)
	}
	return export.Dataset{Headers: requestExportHeaders, Rows: rows}
}
