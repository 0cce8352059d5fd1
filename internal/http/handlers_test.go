package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/apperr"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/eta"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/matcher"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/offers"
	"github.com/example/roadside-dispatch/internal/storage"
)

const phone = "+48500100200"

type fakeLocations struct {
	mu      sync.Mutex
	updates []ingest.LocationUpdate
}

func (f *fakeLocations) PublishLocation(_ context.Context, u ingest.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

type env struct {
	srv   *Server
	store *storage.MemoryStore
	hub   *dispatch.Hub
}

func newEnv(t *testing.T, locations LocationPublisher) env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	hub := dispatch.NewHub(logger)
	fan := &dispatch.Fanout{Live: hub, Logger: logger}
	mgr := offers.NewManager(store, fan, nil, offers.DefaultLimits(), logger)
	deps := Deps{
		Offers:          mgr,
		Help:            &matcher.HelpFinder{Store: store, ETA: eta.NewEstimator(nil, 10, 0, nil)},
		Operators:       store,
		Hub:             hub,
		DefaultRadiusKm: 25,
	}
	if locations != nil {
		deps.Locations = locations
	}
	return env{srv: NewServer(deps, logger), store: store, hub: hub}
}

func (e env) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e env) seed(t *testing.T) string {
	t.Helper()
	rec := e.do(t, "PUT", "/api/v1/equipment/tow", `{"name":"Tow truck","requires_transport":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, id := range []string{"op-a", "op-b"} {
		rec = e.do(t, "PUT", "/api/v1/operators/"+id,
			`{"name":"`+id+`","phone":"+486000","available":true,"location":{"lat":52.24,"lon":21.01},"equipment":["tow"]}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec = e.do(t, "POST", "/api/v1/requests",
		`{"origin":{"lat":52.23,"lon":21.01},"required_equipment":"tow","description":"flat tyre"}`, PhoneHeader, phone)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["id"].(string)
}

func TestOfferAcceptFlow(t *testing.T) {
	e := newEnv(t, nil)
	reqID := e.seed(t)

	rec := e.do(t, "POST", "/api/v1/requests/"+reqID+"/offers", `{"operator_id":"op-a","price":250,"estimated_minutes":20}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	offerA := decodeBody(t, rec)["id"].(string)
	rec = e.do(t, "POST", "/api/v1/requests/"+reqID+"/offers", `{"operator_id":"op-b","price":300}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	offerB := decodeBody(t, rec)["id"].(string)

	rec = e.do(t, "POST", "/api/v1/offers/"+offerA+"/accept", "", PhoneHeader, "+48111")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, "POST", "/api/v1/offers/"+offerA+"/accept", "", PhoneHeader, phone)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "accepted", decodeBody(t, rec)["status"])

	rec = e.do(t, "POST", "/api/v1/offers/"+offerB+"/accept", "", PhoneHeader, phone)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, "GET", "/api/v1/requests/"+reqID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody(t, rec)
	assert.Equal(t, "accepted", view["status"])
	assert.Len(t, view["offers"], 2)

	rec = e.do(t, "POST", "/api/v1/requests/"+reqID+"/status", `{"operator_id":"op-a","status":"on_the_way"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "on_the_way", decodeBody(t, rec)["status"])
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t, nil)
	reqID := e.seed(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"price too high", "POST", "/api/v1/requests/" + reqID + "/offers", `{"operator_id":"op-a","price":100000.01}`, http.StatusBadRequest},
		{"malformed body", "POST", "/api/v1/requests/" + reqID + "/offers", `{`, http.StatusBadRequest},
		{"unknown request", "POST", "/api/v1/requests/nope/offers", `{"operator_id":"op-a","price":1}`, http.StatusNotFound},
		{"unknown offer", "POST", "/api/v1/offers/nope/accept", ``, http.StatusNotFound},
		{"unknown operator location", "PUT", "/api/v1/operators/ghost/location", `{"lat":1,"lon":1}`, http.StatusNotFound},
		{"bad coordinates", "PUT", "/api/v1/operators/op-a/location", `{"lat":100,"lon":1}`, http.StatusBadRequest},
		{"unknown equipment", "PUT", "/api/v1/operators/op-c", `{"name":"c","equipment":["crane"]}`, http.StatusBadRequest},
		{"bad help limit", "GET", "/api/v1/requests/" + reqID + "/help?limit=0", ``, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, tc.method, tc.path, tc.body, PhoneHeader, phone)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody(t, rec)["error"])
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(apperr.Wrap(apperr.Transient, errors.New("db down"), "load")))
	assert.Equal(t, http.StatusConflict, statusFor(storage.ErrVersionConflict))
	assert.Equal(t, http.StatusNotFound, statusFor(storage.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestOperatorDefaultsAndAvailability(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t)

	op, err := e.store.GetOperator(context.Background(), "op-a")
	require.NoError(t, err)
	assert.Equal(t, 25.0, op.ServiceRadiusKm)

	rec := e.do(t, "PUT", "/api/v1/operators/op-a/availability", `{"available":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	op, _ = e.store.GetOperator(context.Background(), "op-a")
	assert.False(t, op.Available)

	rec = e.do(t, "PUT", "/api/v1/operators/op-a/availability", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "POST", "/api/v1/operators/op-a/subscriptions", `{"token":"device-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	subs, err := e.store.ListActiveSubscriptions(context.Background(), "op-a")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "device-1", subs[0].Token)
}

func TestOperatorLocationDirectAndStreamed(t *testing.T) {
	e := newEnv(t, nil)
	e.seed(t)
	rec := e.do(t, "PUT", "/api/v1/operators/op-a/location", `{"lat":50.06,"lon":19.94}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	op, _ := e.store.GetOperator(context.Background(), "op-a")
	require.NotNil(t, op.Location)
	assert.Equal(t, 50.06, op.Location.Lat)

	pub := &fakeLocations{}
	e = newEnv(t, pub)
	e.seed(t)
	rec = e.do(t, "PUT", "/api/v1/operators/op-b/location", `{"lat":50.06,"lon":19.94}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.updates, 1)
	assert.Equal(t, "op-b", pub.updates[0].OperatorID)
	op, _ = e.store.GetOperator(context.Background(), "op-b")
	assert.Equal(t, 52.24, op.Location.Lat, "streamed updates are applied by the consumer")
}

func TestNearbyHelp(t *testing.T) {
	e := newEnv(t, nil)
	reqID := e.seed(t)
	rec := e.do(t, "GET", "/api/v1/requests/"+reqID+"/help?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Operators []matcher.NearbyOperator `json:"operators"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Operators, 1)
	assert.Equal(t, "op-a", body.Operators[0].OperatorID)
	assert.Greater(t, body.Operators[0].ETASeconds, 0.0)
}

func TestRequestChannelReceivesOfferEvents(t *testing.T) {
	e := newEnv(t, nil)
	reqID := e.seed(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/requests/" + reqID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.Size(dispatch.RequestGroup(reqID)) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/v1/requests/"+reqID+"/offers", "application/json",
		bytes.NewBufferString(`{"operator_id":"op-a","price":120}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, dispatch.EventOfferReceived, ev.Name)
	payload := ev.Payload.(map[string]any)
	assert.Equal(t, "op-a", payload["operator_id"])

	conn.Close()
	require.Eventually(t, func() bool { return e.hub.Size(dispatch.RequestGroup(reqID)) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWithdrawOffer(t *testing.T) {
	e := newEnv(t, nil)
	reqID := e.seed(t)

	rec := e.do(t, "POST", "/api/v1/requests/"+reqID+"/offers", `{"operator_id":"op-a","price":250}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	offerA := decodeBody(t, rec)["id"].(string)

	rec = e.do(t, "POST", "/api/v1/offers/"+offerA+"/withdraw", `{"operator_id":"op-b"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, "POST", "/api/v1/offers/"+offerA+"/withdraw", `{"operator_id":"op-a"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decodeBody(t, rec)["status"])

	rec = e.do(t, "POST", "/api/v1/offers/"+offerA+"/accept", "", PhoneHeader, phone)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, "GET", "/api/v1/requests/"+reqID, "")
	assert.Equal(t, "searching", decodeBody(t, rec)["status"])
}

func TestHealthAndRequestID(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	assert.NoError(t, err, "generated request id is a uuid")

	rec = e.do(t, "GET", "/readyz", "", "X-Request-ID", "abc")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestOversizedBodyRejected(t *testing.T) {
	e := newEnv(t, nil)
	big := `{"phone":"` + strings.Repeat("9", maxBodyBytes) + `"}`
	rec := e.do(t, "POST", "/api/v1/requests", big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", remoteIP(r))
	r.Header.Set("X-Forwarded-For", " 1.2.3.4 , 10.0.0.1")
	assert.Equal(t, "1.2.3.4", remoteIP(r))
}
