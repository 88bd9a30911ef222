package printing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/server"
	"github.com/ordermaster/printbridge/internal/testutil"
	"github.com/ordermaster/printbridge/pkg/models"
	"github.com/ordermaster/printbridge/pkg/plugin"
)

type moduleFixture struct {
	module *Module
	prober *fakeProber
	bus    *testutil.MockBus
	mux    *http.ServeMux
}

func newModuleFixture(t *testing.T) *moduleFixture {
	t.Helper()
	f := &moduleFixture{prober: &fakeProber{}, bus: testutil.NewMockBus()}
	f.module = New(WithProber(f.prober), WithRegisterer(prometheus.NewRegistry()))

	ctx := context.Background()
	require.NoError(t, f.module.Init(ctx, plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  testutil.NewStore(t),
		Bus:    f.bus,
	}))
	require.NoError(t, f.module.Start(ctx))
	t.Cleanup(func() { _ = f.module.Stop(context.Background()) })

	f.mux = http.NewServeMux()
	for _, rt := range f.module.Routes() {
		f.mux.HandleFunc(rt.Method+" /api/v1/printing"+rt.Path, rt.Handler)
	}
	return f
}

func (f *moduleFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/api/v1/printing"+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) server.Problem {
	t.Helper()
	var p server.Problem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	return p
}

func TestHandleListDevicesEmpty(t *testing.T) {
	f := newModuleFixture(t)
	rec := f.do(t, "GET", "/devices", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandlePrintOrderInvalid(t *testing.T) {
	f := newModuleFixture(t)
	rec := f.do(t, "POST", "/orders", `{"order_number":"ORD-1","order_items":[]}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, server.ProblemTypeUnprocessable, p.Type)
	assert.Contains(t, p.Errors, "no items")
}

func TestHandlePrintOrderQueuedWhenOffline(t *testing.T) {
	f := newModuleFixture(t)
	rec := f.do(t, "POST", "/orders", `{
		"order_number": "ORD-2",
		"customer_name": "Matti",
		"total_amount": "9.00",
		"order_items": [{"name": "Kebab", "quantity": 1, "unit_price": "9.00", "total_price": "9.00"}]
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var res PrintResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.JobID)

	rec = f.do(t, "GET", "/queue", "")
	var jobs []PrintJob
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "ORD-2", jobs[0].Receipt.OrderNumber)

	rec = f.do(t, "POST", "/queue/process", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, "DELETE", "/queue", "")
	assert.JSONEq(t, `{"cleared":1}`, rec.Body.String())
}

func TestHandleBadBody(t *testing.T) {
	f := newModuleFixture(t)
	rec := f.do(t, "POST", "/orders", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAddDevice(t *testing.T) {
	f := newModuleFixture(t)
	f.prober.setDown("192.168.1.99:9100", true)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"reachable", `{"address":"192.168.1.40","name":"Kitchen"}`, http.StatusCreated},
		{"unreachable kept", `{"address":"192.168.1.99","port":9100}`, http.StatusAccepted},
		{"missing address", `{"port":9100}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, "POST", "/devices", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	rec := f.do(t, "GET", "/devices", "")
	var list []models.Device
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 2)
}

func TestHandleDeviceLifecycle(t *testing.T) {
	f := newModuleFixture(t)
	rec := f.do(t, "POST", "/devices", `{"address":"192.168.1.40"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var d models.Device
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))

	rec = f.do(t, "POST", "/devices/"+d.ID+"/connect", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var active models.Device
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&active))
	assert.Equal(t, d.ID, active.ID)

	rec = f.do(t, "GET", "/settings", "")
	var st Settings
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, d.ID, st.DefaultDeviceID)

	rec = f.do(t, "PUT", "/settings", `{"auto_reconnect":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.False(t, st.AutoReconnect)

	rec = f.do(t, "POST", "/devices/"+d.ID+"/disconnect", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, "DELETE", "/devices/"+d.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, "DELETE", "/devices/"+d.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleActiveNone(t *testing.T) {
	f := newModuleFixture(t)
	rec := f.do(t, "GET", "/active", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleScan(t *testing.T) {
	f := newModuleFixture(t)
	f.prober.only = map[string]bool{"10.0.0.7:9100": true}

	rec := f.do(t, "POST", "/scan", `{"method":"carrier-pigeon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/scan", `{"targets":["10.0.0.5-8"],"ports":[9100],"wait":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var found []models.Device
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&found))
	require.Len(t, found, 1)
	assert.Equal(t, "10.0.0.7", found[0].Address)

	rec = f.do(t, "POST", "/scan", `{"method":"bluetooth","wait":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, "DELETE", "/scan", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlePreview(t *testing.T) {
	f := newModuleFixture(t)
	rec := f.do(t, "POST", "/preview", `{
		"order_number": "ORD-9",
		"order_items": [{"name": "Pizza", "quantity": 2, "unit_price": "8.00", "total_price": "16.00"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp previewResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp.Text, "ORD-9")
	assert.Contains(t, resp.Text, "Pizza")
	assert.Empty(t, resp.Validation.Errors)
}

func TestModuleHealth(t *testing.T) {
	f := newModuleFixture(t)
	h := f.module.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "direct", h.Details["transport"])
	assert.Equal(t, "0", h.Details["queue_depth"])
}

func TestEventsWebsocket(t *testing.T) {
	f := newModuleFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/printing/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return f.module.hub.size() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Unrelated topics are not streamed.
	require.NoError(t, f.bus.Publish(ctx, plugin.Event{Topic: "system.tick", Source: "test"}))
	require.NoError(t, f.bus.Publish(ctx, plugin.Event{
		Topic:   TopicError,
		Source:  moduleName,
		Payload: ErrorEvent{Message: "paper out", DeviceID: "net:192.168.1.40:9100"},
	}))

	var got struct {
		Topic   string     `json:"topic"`
		Payload ErrorEvent `json:"payload"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, TopicError, got.Topic)
	assert.Equal(t, "paper out", got.Payload.Message)
}
