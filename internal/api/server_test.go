package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"comboval/internal/config"
	"comboval/internal/domain"
	"comboval/internal/store"
)

// fakeReader serves a fixed set of reports for run "r1".
type fakeReader struct {
	reports []domain.ComboReport
	lastQ   store.ReportQuery
}

func (f *fakeReader) ListRuns(_ context.Context, limit int) ([]store.RunInfo, error) {
	runs := []store.RunInfo{{RunID: "r1", HoldDays: 3, Reports: len(f.reports)}}
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

func (f *fakeReader) ListReports(_ context.Context, q store.ReportQuery) ([]domain.ComboReport, error) {
	f.lastQ = q
	if q.RunID != "" && q.RunID != "r1" {
		return nil, store.ErrNotFound
	}
	var out []domain.ComboReport
	for _, r := range f.reports {
		if q.ComboType != "" && r.ComboType != q.ComboType {
			continue
		}
		if r.NUsed < q.MinUsed {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeReader) GetReport(_ context.Context, runID string, key domain.ComboKey) (*domain.ComboReport, error) {
	if runID != "" && runID != "r1" {
		return nil, store.ErrNotFound
	}
	for _, r := range f.reports {
		if r.Key() == key {
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

func newFakeReader() *fakeReader {
	return &fakeReader{reports: []domain.ComboReport{
		{RunID: "r1", ComboType: "p2", ComboName: "A&B", HoldDays: 3, NTotal: 12, NUsed: 10,
			WinRatio: 0.8, WinRatioLower: 0.49, ExitDayRatios: []float64{0.5, 0.3, 0.2},
			FirstTrigger: 20230103, LastTrigger: 20241231},
		{RunID: "r1", ComboType: "p3", ComboName: "A&B&C", HoldDays: 3, NTotal: 3, NUsed: 2,
			WinRatio: 0.5, ExitDayRatios: []float64{1, 0, 0}},
	}}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewReportHandler(newFakeReader(), nil).Handler()
	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q, want *", got)
	}
}

func TestHandleRuns(t *testing.T) {
	h := NewReportHandler(newFakeReader(), nil).Handler()
	rec := get(t, h, "/api/runs?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var runs []store.RunInfo
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "r1" {
		t.Errorf("runs = %+v", runs)
	}

	if rec := get(t, h, "/api/runs?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestHandleReports(t *testing.T) {
	fr := newFakeReader()
	h := NewReportHandler(fr, nil).Handler()

	rec := get(t, h, "/api/reports?type=p2&min_used=5&order=win_ratio&limit=3")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var reports []domain.ComboReport
	if err := json.NewDecoder(rec.Body).Decode(&reports); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reports) != 1 || reports[0].ComboName != "A&B" {
		t.Fatalf("reports = %+v", reports)
	}
	if fr.lastQ.OrderBy != "win_ratio" || fr.lastQ.Limit != 3 || fr.lastQ.MinUsed != 5 {
		t.Errorf("query = %+v", fr.lastQ)
	}

	tests := []struct {
		target string
		want   int
	}{
		{"/api/reports?order=n_total", http.StatusBadRequest},
		{"/api/reports?min_used=-1", http.StatusBadRequest},
		{"/api/reports?run=missing", http.StatusNotFound},
		{"/api/reports?type=p9", http.StatusOK},
	}
	for _, tt := range tests {
		if rec := get(t, h, tt.target); rec.Code != tt.want {
			t.Errorf("GET %s status = %d, want %d", tt.target, rec.Code, tt.want)
		}
	}

	// An empty result is an empty array, not null.
	rec = get(t, h, "/api/reports?type=p9")
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("empty body = %q, want []", body)
	}
}

func TestHandleReport(t *testing.T) {
	h := NewReportHandler(newFakeReader(), nil).Handler()

	rec := get(t, h, "/api/reports/p2/"+url.PathEscape("A&B")+"?run=r1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var rep domain.ComboReport
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.NUsed != 10 || rep.WinRatio != 0.8 || len(rep.ExitDayRatios) != 3 {
		t.Errorf("report = %+v", rep)
	}

	if rec := get(t, h, "/api/reports/p2/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("missing report status = %d, want 404", rec.Code)
	}
}

func TestOptionsPreflight(t *testing.T) {
	h := NewReportHandler(newFakeReader(), nil).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/reports", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// gRPC
// ---------------------------------------------------------------------------

func newBufconnClient(t *testing.T, reader store.ReportReader) *ReportClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewReportService(reader, nil).RegisterGRPC(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewReportClient(conn)
}

func TestGRPCGetReport(t *testing.T) {
	c := newBufconnClient(t, newFakeReader())
	ctx := context.Background()

	rep, err := c.GetReport(ctx, "", domain.ComboKey{Type: "p2", Name: "A&B"})
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if rep.NUsed != 10 || rep.FirstTrigger != 20230103 || rep.LastTrigger != 20241231 {
		t.Errorf("report = %+v", rep)
	}
	if len(rep.ExitDayRatios) != 3 || rep.ExitDayRatios[1] != 0.3 {
		t.Errorf("ExitDayRatios = %v", rep.ExitDayRatios)
	}

	_, err = c.GetReport(ctx, "", domain.ComboKey{Type: "p2", Name: "Z"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("missing report code = %v, want NotFound", status.Code(err))
	}
	_, err = c.GetReport(ctx, "", domain.ComboKey{Name: "A&B"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("no type code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestGRPCListReports(t *testing.T) {
	fr := newFakeReader()
	c := newBufconnClient(t, fr)
	ctx := context.Background()

	reports, err := c.ListReports(ctx, store.ReportQuery{MinUsed: 1, Limit: 10})
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("len(reports) = %d, want 2", len(reports))
	}
	if fr.lastQ.Limit != 10 || fr.lastQ.MinUsed != 1 {
		t.Errorf("query = %+v", fr.lastQ)
	}

	_, err = c.ListReports(ctx, store.ReportQuery{OrderBy: "bogus"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("bad order code = %v, want InvalidArgument", status.Code(err))
	}
}

// ---------------------------------------------------------------------------
// Server lifecycle
// ---------------------------------------------------------------------------

func TestServerServeAndShutdown(t *testing.T) {
	s := NewServer(config.Server{}, newFakeReader(), http.NotFoundHandler(), nil)

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, httpLn, grpcLn) }()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get("http://" + httpLn.Addr().String() + "/healthz")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServerNoListeners(t *testing.T) {
	s := NewServer(config.Server{}, newFakeReader(), nil, nil)
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected an error with both ports disabled")
	}
}
