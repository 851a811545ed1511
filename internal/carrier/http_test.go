package carrier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/failure"
	"shipment-batch-engine/internal/mapping"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(config.Config{
		CarrierBaseURL: srv.URL + "/",
		CarrierAPIKey:  "secret-key",
		CarrierTimeout: 2 * time.Second,
	})
}

func TestQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quotes", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Idempotency-Key"))

		var body carrierRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2.5", body.Request["weight"])

		_, _ = w.Write([]byte(`{"cost_cents": 1299, "warnings": ["residential surcharge"]}`))
	})

	q, err := c.Quote(context.Background(), mapping.Request{"weight": "2.5"})
	require.NoError(t, err)
	assert.Equal(t, int64(1299), q.CostCents)
	assert.Equal(t, []string{"residential surcharge"}, q.Warnings)
}

func TestExecuteSendsIdempotencyKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/shipments", r.URL.Path)
		assert.Equal(t, "job-1:7", r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"tracking_id": "1Z999", "cost_cents": 1500, "artifact_ref": "labels/1Z999.pdf"}`))
	})

	s, err := c.Execute(context.Background(), mapping.Request{"weight": "1"}, "job-1:7")
	require.NoError(t, err)
	assert.Equal(t, Shipment{TrackingID: "1Z999", CostCents: 1500, ArtifactRef: "labels/1Z999.pdf"}, s)
}

func TestExecuteWithoutTrackingIDIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"cost_cents": 1500}`))
	})

	_, err := c.Execute(context.Background(), mapping.Request{}, "k")
	assert.Equal(t, failure.CarrierPermanent, failure.KindOf(err))
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   failure.Kind
		code   string
	}{
		{http.StatusServiceUnavailable, ``, failure.CarrierTransient, failure.CodeCarrierTransient},
		{http.StatusTooManyRequests, `{"code":"THROTTLED"}`, failure.CarrierTransient, "THROTTLED"},
		{http.StatusUnprocessableEntity, `{"code":"BAD_POSTAL","message":"postal code invalid"}`, failure.Validation, "BAD_POSTAL"},
		{http.StatusBadRequest, `not json`, failure.Validation, failure.CodeValidation},
		{http.StatusPaymentRequired, `{"message":"account suspended"}`, failure.CarrierPermanent, failure.CodeCarrierPermanent},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		_, err := c.Quote(context.Background(), mapping.Request{})
		require.Error(t, err, "status %d", tc.status)

		var fe *failure.Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, tc.kind, fe.Kind, "status %d", tc.status)
		assert.Equal(t, tc.code, fe.Code, "status %d", tc.status)
	}
}

func TestTimeoutIsClassifiedByCaller(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, mapping.Request{}, "k")
	require.Error(t, err)
	assert.Empty(t, failure.KindOf(err))

	fe := failure.Classify(err, true)
	assert.Equal(t, failure.CarrierPermanent, fe.Kind)
	assert.Equal(t, failure.CodeCarrierTimeout, fe.Code)

	fe = failure.Classify(err, false)
	assert.Equal(t, failure.CarrierTransient, fe.Kind)
}
