package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dubforge/retargetd/internal/retargeterr"
	"github.com/dubforge/retargetd/internal/statuspub"
)

type fakeIntake struct {
	jobID string
	err   error
}

func (f *fakeIntake) Submit(ctx context.Context, transcreationID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.jobID, nil
}

type fakeStatus struct {
	snap      statuspub.Snapshot
	snapErr   error
	served    bool
	servedErr error
}

func (f *fakeStatus) Snapshot(ctx context.Context, jobID string) (statuspub.Snapshot, error) {
	return f.snap, f.snapErr
}

func (f *fakeStatus) ServeEvents(w http.ResponseWriter, r *http.Request, jobID string) error {
	f.served = true
	return f.servedErr
}

func TestHandleSubmitReturnsJobID(t *testing.T) {
	s := New(&fakeIntake{jobID: "job-123"}, &fakeStatus{})
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"transcreationId":"tr-1"}`))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp submitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID != "job-123" {
		t.Errorf("jobId = %q, want job-123", resp.JobID)
	}
}

func TestHandleSubmitRejectsEmptyBody(t *testing.T) {
	s := New(&fakeIntake{}, &fakeStatus{})
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSubmitMapsNotFound(t *testing.T) {
	err := retargeterr.New(retargeterr.KindNotFound, "intake", "no such transcreation", nil)
	s := New(&fakeIntake{err: err}, &fakeStatus{})
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"transcreationId":"tr-1"}`))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleSubmitMapsPreconditionFailed(t *testing.T) {
	err := retargeterr.New(retargeterr.KindPreconditionFailed, "intake", "missing audio url", nil)
	s := New(&fakeIntake{err: err}, &fakeStatus{})
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"transcreationId":"tr-1"}`))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSubmitMapsUnknownErrorToInternal(t *testing.T) {
	s := New(&fakeIntake{err: errors.New("boom")}, &fakeStatus{})
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"transcreationId":"tr-1"}`))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestHandleStatusReturnsSnapshot(t *testing.T) {
	snap := statuspub.Snapshot{JobID: "job-123", Progress: 42}
	s := New(&fakeIntake{}, &fakeStatus{snap: snap})
	req := httptest.NewRequest(http.MethodGet, "/jobs/job-123", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got statuspub.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobID != "job-123" || got.Progress != 42 {
		t.Errorf("got %+v, want jobId=job-123 progress=42", got)
	}
}

func TestHandleStatusReturnsNotFound(t *testing.T) {
	s := New(&fakeIntake{}, &fakeStatus{snapErr: statuspub.ErrJobNotFound})
	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleEventsDelegatesToStatusSource(t *testing.T) {
	fs := &fakeStatus{}
	s := New(&fakeIntake{}, fs)
	req := httptest.NewRequest(http.MethodGet, "/jobs/job-123/events", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if !fs.served {
		t.Fatal("expected ServeEvents to be called")
	}
}

func TestHandleEventsMapsNotFound(t *testing.T) {
	fs := &fakeStatus{servedErr: statuspub.ErrJobNotFound}
	s := New(&fakeIntake{}, fs)
	req := httptest.NewRequest(http.MethodGet, "/jobs/missing/events", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
