package platform_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpbank/snmp_gateway/models"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/platform"
	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/publish"
)

type request struct {
	method string
	path   string
	auth   string
	ctype  string
	body   string
}

// platformServer records requests and answers with status.
type platformServer struct {
	*httptest.Server
	mu     sync.Mutex
	status int
	reply  string
	reqs   []request
}

func newPlatformServer(t *testing.T, status int) *platformServer {
	t.Helper()
	ps := &platformServer{status: status}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ps.mu.Lock()
		ps.reqs = append(ps.reqs, request{
			method: r.Method,
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			ctype:  r.Header.Get("Content-Type"),
			body:   string(body),
		})
		status, reply := ps.status, ps.reply
		ps.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *platformServer) requests() []request {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]request(nil), ps.reqs...)
}

func message(id string, cat models.Category, payload string) models.Message {
	return models.Message{ID: id, Category: cat, Payload: []byte(payload)}
}

func TestNewHTTPSink_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative/only"} {
		_, err := platform.NewHTTPSink(platform.HTTPConfig{BaseURL: u}, nil)
		assert.Error(t, err, u)
	}
}

func TestHTTPSink_PostsPayloadToCategoryPath(t *testing.T) {
	srv := newPlatformServer(t, http.StatusAccepted)
	sink, err := platform.NewHTTPSink(platform.HTTPConfig{
		BaseURL: srv.URL + "/api/v1/",
		Headers: map[string]string{"Authorization": "Bearer t0k"},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), message("e1", models.CategoryEvent, `{"oid":"1.3.6"}`)))

	reqs := srv.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "/api/v1/events", reqs[0].path)
	assert.Equal(t, "Bearer t0k", reqs[0].auth)
	assert.Equal(t, "application/json", reqs[0].ctype)
	assert.JSONEq(t, `{"oid":"1.3.6"}`, reqs[0].body)
}

func TestHTTPSink_StatusClassification(t *testing.T) {
	cases := []struct {
		status  int
		invalid bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusUnauthorized, false},
		{http.StatusPaymentRequired, false},
		{http.StatusRequestTimeout, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		srv := newPlatformServer(t, tc.status)
		srv.reply = "  rejected  "
		sink, err := platform.NewHTTPSink(platform.HTTPConfig{BaseURL: srv.URL}, nil)
		require.NoError(t, err)

		err = sink.Deliver(context.Background(), message("m", models.CategoryMeasurement, `{}`))

		var pe *publish.PlatformError
		require.ErrorAs(t, err, &pe, tc.status)
		assert.Equal(t, tc.status, pe.Status)
		assert.Equal(t, "rejected", pe.Reason)
		assert.Equal(t, tc.invalid, publish.IsInvalid(err), tc.status)
	}
}

func TestHTTPSink_TransportErrorIsUnavailable(t *testing.T) {
	srv := newPlatformServer(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	sink, err := platform.NewHTTPSink(platform.HTTPConfig{BaseURL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), message("m", models.CategoryEvent, `{}`))
	var pe *publish.PlatformError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.Status)
	assert.ErrorIs(t, err, publish.ErrPlatformUnavailable)
}

func TestHTTPSink_BatchPostsArray(t *testing.T) {
	srv := newPlatformServer(t, http.StatusOK)
	sink, err := platform.NewHTTPSink(platform.HTTPConfig{BaseURL: srv.URL, Batching: true, BatchSize: 50}, nil)
	require.NoError(t, err)
	assert.True(t, sink.BatchingSupported())
	assert.Equal(t, 50, sink.BatchSize())

	batch := []models.Message{
		message("1", models.CategoryMeasurement, `{"v":1}`),
		message("2", models.CategoryMeasurement, `{"v":2}`),
	}
	require.NoError(t, sink.DeliverBatch(context.Background(), batch))

	reqs := srv.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/measurements", reqs[0].path)
	var got []map[string]int
	require.NoError(t, json.Unmarshal([]byte(reqs[0].body), &got))
	assert.Equal(t, []map[string]int{{"v": 1}, {"v": 2}}, got)
}

func TestHTTPSink_BatchWithoutBatchingPostsEach(t *testing.T) {
	srv := newPlatformServer(t, http.StatusOK)
	sink, err := platform.NewHTTPSink(platform.HTTPConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	assert.False(t, sink.BatchingSupported())
	assert.Equal(t, publish.DefaultBatchSize, sink.BatchSize())

	require.NoError(t, sink.DeliverBatch(context.Background(), []models.Message{
		message("1", models.CategoryAlarm, `{}`),
		message("2", models.CategoryAlarm, `{}`),
	}))
	assert.Len(t, srv.requests(), 2)
}

func TestHTTPSink_WithPipeline(t *testing.T) {
	srv := newPlatformServer(t, http.StatusNotFound)
	sink, err := platform.NewHTTPSink(platform.HTTPConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	avail := publish.NewAvailability()
	p := publish.NewPipeline(publish.Config{Name: "event"}, sink, nil, avail, nil)

	require.NoError(t, p.OnMessage(context.Background(), message("x", models.CategoryEvent, `{}`)))
	assert.True(t, avail.IsAvailable())

	srv.mu.Lock()
	srv.status = http.StatusBadGateway
	srv.mu.Unlock()

	var pe *publish.PublishError
	require.ErrorAs(t, p.OnMessage(context.Background(), message("y", models.CategoryEvent, `{}`)), &pe)
	assert.False(t, avail.IsAvailable())
}

func TestHTTPCheck(t *testing.T) {
	srv := newPlatformServer(t, http.StatusOK)
	check := platform.HTTPCheck(nil, srv.URL+"/health")
	require.NoError(t, check(context.Background()))
	assert.Equal(t, http.MethodGet, srv.requests()[0].method)

	srv.mu.Lock()
	srv.status = http.StatusServiceUnavailable
	srv.mu.Unlock()
	assert.Error(t, check(context.Background()))
}
