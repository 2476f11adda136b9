package scp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/ingest"
	"github.com/roach88/archivist/internal/metrics"
	"github.com/roach88/archivist/internal/testutil"
)

type fakeAccepter struct {
	mu      sync.Mutex
	outcome ingest.Outcome
	err     error
	assocs  []dicom.AssociationContext
}

func (f *fakeAccepter) Accept(_ context.Context, _ *dicom.Object, assoc dicom.AssociationContext) (ingest.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assocs = append(f.assocs, assoc)
	return f.outcome, f.err
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name    string
		outcome ingest.Outcome
		err     error
		want    Status
	}{
		{"stored", ingest.Stored, nil, Success},
		{"duplicate", ingest.Duplicate, nil, Success},
		{"reconciled", ingest.Reconciled, nil, Success},
		{"contention", ingest.Rejected, &ingest.Error{Kind: ingest.KindContention}, OutOfResources},
		{"transient io", ingest.Rejected, &ingest.Error{Kind: ingest.KindTransientIO}, OutOfResources},
		{"corruption", ingest.Rejected, &ingest.Error{Kind: ingest.KindCorruption}, OutOfResources},
		{"invalid", ingest.Rejected, &ingest.Error{Kind: ingest.KindInvalid}, Failure},
		{"unclassified", ingest.Rejected, errors.New("database is locked"), OutOfResources},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.outcome, tt.err))
		})
	}
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "OutOfResources", OutOfResources.String())
	assert.Equal(t, "Pending", Pending.String())
	assert.Equal(t, "Status(0x0110)", Status(0x0110).String())
	assert.True(t, OutOfResources.Retryable())
	assert.False(t, Failure.Retryable())
}

func TestService_ProposeTransfer(t *testing.T) {
	assoc := dicom.NewAssociation("A", "B", "")
	open := NewService(&fakeAccepter{}, nil)
	assert.True(t, open.ProposeTransfer(assoc, "1.2.840.10008.1.2.4.50"))

	strict := NewService(&fakeAccepter{}, []string{"1.2.840.10008.1.2.1"})
	assert.True(t, strict.ProposeTransfer(assoc, "1.2.840.10008.1.2.1"))
	assert.False(t, strict.ProposeTransfer(assoc, "1.2.840.10008.1.2.4.50"))
}

func TestService_Store(t *testing.T) {
	acc := &fakeAccepter{outcome: ingest.Stored}
	svc := NewService(acc, []string{"1.2.840.10008.1.2.1"})
	assoc := dicom.NewAssociation("MODALITY1", "ARCHIVE", "")
	obj := testutil.NewObject(testutil.StudyA).Build()

	assert.Equal(t, Success, svc.Store(context.Background(), assoc, obj))

	obj.TransferSyntax = "1.2.840.10008.1.2.4.50"
	assert.Equal(t, Failure, svc.Store(context.Background(), assoc, obj))
	assert.Len(t, acc.assocs, 1, "refused syntax never reaches ingestion")
}

func post(t *testing.T, h http.Handler, obj *dicom.Object, headers map[string]string) (*httptest.ResponseRecorder, StoreResponse) {
	t.Helper()
	var body bytes.Buffer
	require.NoError(t, dicom.Encode(&body, obj))
	req := httptest.NewRequest(http.MethodPost, "/studies", &body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp StoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

var senderHeaders = map[string]string{
	HeaderCallingAE:     "MODALITY1",
	HeaderCalledAE:      "ARCHIVE",
	HeaderAssociationID: "assoc-7",
}

func TestServer_Store(t *testing.T) {
	acc := &fakeAccepter{outcome: ingest.Reconciled}
	srv := NewServer(NewService(acc, nil), nil, nil)
	obj := testutil.NewObject(testutil.StudyA).Build()

	rec, resp := post(t, srv.Handler(), obj, senderHeaders)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StoreResponse{Status: "Success", Code: 0, SOPUID: obj.InstanceUID()}, resp)

	require.Len(t, acc.assocs, 1)
	assert.Equal(t, "assoc-7", acc.assocs[0].ID)
	assert.Equal(t, "MODALITY1", acc.assocs[0].CallingAE)
	assert.Equal(t, "ARCHIVE", acc.assocs[0].CalledAE)
}

func TestServer_StoreRejections(t *testing.T) {
	obj := testutil.NewObject(testutil.StudyA).Build()

	busy := NewServer(NewService(&fakeAccepter{
		outcome: ingest.Rejected,
		err:     &ingest.Error{Kind: ingest.KindContention, Err: errors.New("locked")},
	}, nil), nil, nil)
	rec, resp := post(t, busy.Handler(), obj, senderHeaders)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, uint16(OutOfResources), resp.Code)
	assert.Contains(t, resp.Error, "CONTENTION")

	invalid := NewServer(NewService(&fakeAccepter{
		outcome: ingest.Rejected,
		err:     &ingest.Error{Kind: ingest.KindInvalid, Err: errors.New("missing SOPInstanceUID")},
	}, nil), nil, nil)
	rec, resp = post(t, invalid.Handler(), obj, senderHeaders)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "Failure", resp.Status)

	rec, _ = post(t, invalid.Handler(), obj, map[string]string{HeaderCallingAE: "X"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StoreBadBody(t *testing.T) {
	srv := NewServer(NewService(&fakeAccepter{}, nil), nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/studies", strings.NewReader("{"))
	req.Header.Set(HeaderCallingAE, "A")
	req.Header.Set(HeaderCalledAE, "B")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordContention()

	healthy := true
	srv := NewServer(NewService(&fakeAccepter{}, nil), reg, func(context.Context) error {
		if !healthy {
			return errors.New("database closed")
		}
		return nil
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	healthy = false
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "archivist_lock_contention_total")
}

func TestServer_ListenAndServe(t *testing.T) {
	srv := NewServer(NewService(&fakeAccepter{}, nil), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-done)
}
