// dtable-events - SeaTable Background Event Processing Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dtable-events

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dtable-events/internal/config"
	"github.com/tomtom215/dtable-events/internal/dtable"
	"github.com/tomtom215/dtable-events/internal/models"
	"github.com/tomtom215/dtable-events/internal/tasks"
	"github.com/tomtom215/dtable-events/internal/validation"
)

const baseUUID = "0d4f5e2a-1b3c-4d5e-8f90-a1b2c3d4e5f6"

type fakeSubmitter struct {
	err      error
	typ      tasks.Type
	params   string
	username string
}

func (f *fakeSubmitter) Submit(_ context.Context, typ tasks.Type, params json.RawMessage, username string) (*tasks.Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.typ, f.params, f.username = typ, string(params), username
	return &tasks.Status{ID: "task-1", Type: typ, State: tasks.StatePending}, nil
}

type fakeStatuses map[string]tasks.Status

func (f fakeStatuses) Get(id string) (tasks.Status, bool) {
	st, ok := f[id]
	return st, ok
}

type fakeMetadata struct {
	md  *models.Metadata
	err error
}

func (f *fakeMetadata) GetMetadata(_ context.Context, uuid string) (*models.Metadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.md, nil
}

func tasksTable() models.Table {
	return models.Table{ID: "t1", Name: "Tasks", Columns: []models.Column{
		{Key: "0000", Name: "Name", Type: "text"},
		{Key: "age0", Name: "Age", Type: "number"},
		{Key: "done", Name: "Done", Type: "checkbox"},
	}}
}

type testServer struct {
	handler   http.Handler
	token     string
	submitter *fakeSubmitter
}

func newTestServer(t *testing.T, statuses fakeStatuses, md *fakeMetadata, checks ...ReadinessCheck) *testServer {
	t.Helper()
	issuer, err := dtable.NewTokenIssuer("test-key", "dtable-web", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	token, err := issuer.Internal()
	if err != nil {
		t.Fatal(err)
	}
	if md == nil {
		md = &fakeMetadata{md: &models.Metadata{Tables: []models.Table{tasksTable()}}}
	}
	sub := &fakeSubmitter{}
	h := NewHandler(sub, statuses, md, checks...)
	h.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	mw := NewChiMiddleware(ChiMiddlewareConfigFrom(config.SecurityConfig{RateLimitDisabled: true}))
	return &testServer{handler: NewRouter(h, mw, issuer).Setup(), token: token, submitter: sub}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Token "+s.token)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestHealthLiveNeedsNoToken(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil))
	if rec.Code != http.StatusOK || !decode(t, rec).Success {
		t.Fatalf("live = %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no request id header")
	}
}

func TestHealthReady(t *testing.T) {
	ok := ReadinessCheck{Name: "mysql", Check: func(context.Context) error { return nil }}
	down := ReadinessCheck{Name: "dtable_server", Check: func(context.Context) error { return errors.New("connection refused") }}

	tests := []struct {
		name   string
		checks []ReadinessCheck
		want   int
	}{
		{"all ok", []ReadinessCheck{ok}, http.StatusOK},
		{"one down", []ReadinessCheck{ok, down}, http.StatusServiceUnavailable},
		{"no checks", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil, nil, tt.checks...)
			rec := s.do(http.MethodGet, "/api/v1/health/ready", "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want != http.StatusOK && !strings.Contains(rec.Body.String(), "connection refused") {
				t.Errorf("failing check missing from body: %s", rec.Body.String())
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.do(http.MethodGet, "/api/v1/health/live", "")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dtable_events_api_requests_total") {
		t.Errorf("metrics = %d, missing api counter", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	s := newTestServer(t, nil, nil)
	for _, path := range []string{"/api/v1/tasks/x", "/api/v1/sql"} {
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token = %d, want 401", path, rec.Code)
		}
	}
}

func TestSubmitTask(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		want     int
		wantCode string
	}{
		{"queued", `{"type":"sync_dataset","params":{"sync_id":3}}`, nil, http.StatusAccepted, ""},
		{"bad json", `{"type":`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing type", `{"params":{}}`, nil, http.StatusBadRequest, ErrCodeValidationFailed},
		{"unknown type", `{"type":"convert"}`, tasks.ErrUnknownType, http.StatusBadRequest, ErrCodeBadRequest},
		{"invalid params", `{"type":"sync_dataset"}`,
			errors.Join(tasks.ErrInvalidParams, validation.Errors{{Field: "SyncID", Message: "SyncID is required"}}),
			http.StatusBadRequest, ErrCodeValidationFailed},
		{"queue down", `{"type":"sync_dataset","params":{"sync_id":3}}`, errors.New("nats down"),
			http.StatusServiceUnavailable, ErrCodeServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil, nil)
			s.submitter.err = tt.err
			rec := s.do(http.MethodPost, "/api/v1/tasks", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			resp := decode(t, rec)
			if tt.wantCode != "" {
				if resp.Error == nil || resp.Error.Code != tt.wantCode {
					t.Errorf("error = %+v, want code %s", resp.Error, tt.wantCode)
				}
				return
			}
			if s.submitter.typ != tasks.TypeSyncDataset || s.submitter.params != `{"sync_id":3}` {
				t.Errorf("submitted %s %s", s.submitter.typ, s.submitter.params)
			}
			if s.submitter.username != "dtable-web" {
				t.Errorf("username = %q, want token user", s.submitter.username)
			}
		})
	}
}

func TestTaskStatusAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Tasks_Default.csv")
	if err := os.WriteFile(path, []byte("Name\nA\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	statuses := fakeStatuses{
		"done":    {ID: "done", Type: tasks.TypeExportView, State: tasks.StateSuccess, Path: path},
		"pending": {ID: "pending", Type: tasks.TypeExportView, State: tasks.StatePending},
		"gone":    {ID: "gone", Type: tasks.TypeExportView, State: tasks.StateSuccess, Path: filepath.Join(dir, "missing.csv")},
	}
	s := newTestServer(t, statuses, nil)

	tests := []struct {
		name string
		path string
		want int
		body string
	}{
		{"status", "/api/v1/tasks/pending", http.StatusOK, `"state":"pending"`},
		{"unknown status", "/api/v1/tasks/nope", http.StatusNotFound, "NOT_FOUND"},
		{"file", "/api/v1/tasks/done/file", http.StatusOK, "Name\nA\n"},
		{"file not ready", "/api/v1/tasks/pending/file", http.StatusConflict, ErrCodeConflict},
		{"file removed", "/api/v1/tasks/gone/file", http.StatusNotFound, "expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodGet, tt.path, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}

	rec := s.do(http.MethodGet, "/api/v1/tasks/done/file", "")
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename=Tasks_Default.csv` {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestGenerateSQL(t *testing.T) {
	inline, _ := json.Marshal(tasksTable())

	tests := []struct {
		name     string
		md       *fakeMetadata
		body     string
		want     int
		wantSQL  string
		wantCode string
	}{
		{
			name: "inline table",
			body: `{"table":` + string(inline) + `,"select":["Name"],"filters":[{"column_key":"age0","filter_predicate":"greater","filter_term":18},{"column_key":"0000","filter_predicate":"contains","filter_term":"a"}],"filter_conjunction":"Or","sorts":[{"column_key":"age0","sort_type":"down"}],"limit":10}`,
			want:    http.StatusOK,
			wantSQL: "SELECT `Name` FROM `Tasks` WHERE (`Age` > 18 or `Name` like '%a%') ORDER BY `Age` DESC LIMIT 0, 10",
		},
		{
			name:    "table by name",
			body:    `{"dtable_uuid":"` + baseUUID + `","table_name":"Tasks","filters":[{"column_name":"Done","filter_predicate":"is","filter_term":true}]}`,
			want:    http.StatusOK,
			wantSQL: "SELECT * FROM `Tasks` WHERE `Done` = true",
		},
		{
			name:     "unknown column",
			body:     `{"table":` + string(inline) + `,"filters":[{"column_key":"zzzz","filter_predicate":"is","filter_term":"x"}]}`,
			want:     http.StatusBadRequest,
			wantCode: ErrCodeColumnNotFound,
		},
		{
			name:     "unsupported predicate",
			body:     `{"table":` + string(inline) + `,"filters":[{"column_key":"done","filter_predicate":"contains","filter_term":"x"}]}`,
			want:     http.StatusBadRequest,
			wantCode: ErrCodeUnsupportedFilter,
		},
		{
			name:     "unknown table",
			body:     `{"dtable_uuid":"` + baseUUID + `","table_name":"Nope"}`,
			want:     http.StatusNotFound,
			wantCode: ErrCodeNotFound,
		},
		{
			name:     "unknown base",
			md:       &fakeMetadata{err: &dtable.APIError{Service: "dtable-server", Status: http.StatusNotFound}},
			body:     `{"dtable_uuid":"` + baseUUID + `","table_name":"Tasks"}`,
			want:     http.StatusNotFound,
			wantCode: ErrCodeNotFound,
		},
		{
			name:     "no table",
			body:     `{"filters":[]}`,
			want:     http.StatusBadRequest,
			wantCode: ErrCodeBadRequest,
		},
		{
			name:     "bad uuid",
			body:     `{"dtable_uuid":"nope","table_name":"Tasks"}`,
			want:     http.StatusBadRequest,
			wantCode: ErrCodeValidationFailed,
		},
		{
			name:     "bad timezone",
			body:     `{"table":` + string(inline) + `,"timezone":"Mars/Base"}`,
			want:     http.StatusBadRequest,
			wantCode: ErrCodeBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil, tt.md)
			rec := s.do(http.MethodPost, "/api/v1/sql", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.wantCode != "" {
				if resp := decode(t, rec); resp.Error == nil || resp.Error.Code != tt.wantCode {
					t.Errorf("error = %+v, want %s", resp.Error, tt.wantCode)
				}
				return
			}
			var resp struct {
				Data sqlResponse `json:"data"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Data.SQL != tt.wantSQL {
				t.Errorf("sql =\n%s\nwant\n%s", resp.Data.SQL, tt.wantSQL)
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if rec.Code != http.StatusNotFound || decode(t, rec).Error == nil {
		t.Errorf("unknown route = %d %s", rec.Code, rec.Body.String())
	}
}
