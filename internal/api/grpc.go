package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"comboval/internal/domain"
	"comboval/internal/store"
)

// ReportServiceName is the fully qualified gRPC service name. Requests and
// responses are google.protobuf.Struct values carrying the same JSON
// documents as the HTTP API.
const ReportServiceName = "comboval.v1.ReportService"

const (
	getReportMethod   = "/" + ReportServiceName + "/GetReport"
	listReportsMethod = "/" + ReportServiceName + "/ListReports"
)

// reportServer is the server-side contract of ReportService.
type reportServer interface {
	GetReport(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListReports(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var _ reportServer = (*ReportService)(nil)

// ReportService provides gRPC endpoints for querying persisted reports.
type ReportService struct {
	reader store.ReportReader
	log    *slog.Logger
}

// NewReportService creates a ReportService backed by reader.
func NewReportService(reader store.ReportReader, log *slog.Logger) *ReportService {
	if log == nil {
		log = slog.Default()
	}
	return &ReportService{reader: reader, log: log}
}

// RegisterGRPC registers the service on the given gRPC server instance.
func (s *ReportService) RegisterGRPC(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&reportServiceDesc, s)
}

// GetReport expects {run, type, combo}; an empty run selects the latest.
func (s *ReportService) GetReport(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	key := domain.ComboKey{Type: f["type"].GetStringValue(), Name: f["combo"].GetStringValue()}
	if key.Type == "" || key.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "type and combo are required")
	}
	runID := f["run"].GetStringValue()
	rep, err := s.reader.GetReport(ctx, runID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "report not found: %s", key)
	}
	if err != nil {
		s.log.Error("getting report", "run_id", runID, "combo", key.String(), "error", err)
		return nil, status.Error(codes.Internal, "getting report failed")
	}
	return toStruct(rep)
}

// ListReports expects {run, type, min_used, order, limit} and returns
// {reports: [...]}.
func (s *ReportService) ListReports(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	q := store.ReportQuery{
		RunID:     f["run"].GetStringValue(),
		ComboType: f["type"].GetStringValue(),
		MinUsed:   int(f["min_used"].GetNumberValue()),
		OrderBy:   f["order"].GetStringValue(),
		Limit:     int(f["limit"].GetNumberValue()),
	}
	if q.OrderBy != "" && !slices.Contains(store.ReportOrderings, q.OrderBy) {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported order: %s", q.OrderBy)
	}
	reports, err := s.reader.ListReports(ctx, q)
	if errors.Is(err, store.ErrNotFound) {
		return nil, status.Error(codes.NotFound, "no reports")
	}
	if err != nil {
		s.log.Error("listing reports", "run_id", q.RunID, "error", err)
		return nil, status.Error(codes.Internal, "listing reports failed")
	}
	if reports == nil {
		reports = []domain.ComboReport{}
	}
	return toStruct(map[string]any{"reports": reports})
}

var reportServiceDesc = grpc.ServiceDesc{
	ServiceName: ReportServiceName,
	HandlerType: (*reportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetReport", Handler: unaryHandler(getReportMethod, reportServer.GetReport)},
		{MethodName: "ListReports", Handler: unaryHandler(listReportsMethod, reportServer.ListReports)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "comboval/v1/report.proto",
}

func unaryHandler(method string, call func(reportServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(reportServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(reportServer), ctx, req.(*structpb.Struct))
		})
	}
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// ReportClient calls ReportService over an established connection.
type ReportClient struct {
	cc grpc.ClientConnInterface
}

// NewReportClient wraps cc.
func NewReportClient(cc grpc.ClientConnInterface) *ReportClient {
	return &ReportClient{cc: cc}
}

// GetReport fetches one report; an empty runID selects the latest run.
func (c *ReportClient) GetReport(ctx context.Context, runID string, key domain.ComboKey) (*domain.ComboReport, error) {
	req, err := structpb.NewStruct(map[string]any{"run": runID, "type": key.Type, "combo": key.Name})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getReportMethod, req, resp); err != nil {
		return nil, err
	}
	var rep domain.ComboReport
	if err := fromStruct(resp, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// ListReports lists reports matching q.
func (c *ReportClient) ListReports(ctx context.Context, q store.ReportQuery) ([]domain.ComboReport, error) {
	req, err := structpb.NewStruct(map[string]any{
		"run":      q.RunID,
		"type":     q.ComboType,
		"min_used": q.MinUsed,
		"order":    q.OrderBy,
		"limit":    q.Limit,
	})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listReportsMethod, req, resp); err != nil {
		return nil, err
	}
	var out struct {
		Reports []domain.ComboReport `json:"reports"`
	}
	if err := fromStruct(resp, &out); err != nil {
		return nil, err
	}
	return out.Reports, nil
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
