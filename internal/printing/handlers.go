package printing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/connection"
	"github.com/ordermaster/printbridge/internal/devices"
	"github.com/ordermaster/printbridge/internal/discovery"
	"github.com/ordermaster/printbridge/internal/probe"
	"github.com/ordermaster/printbridge/internal/receipt"
	"github.com/ordermaster/printbridge/internal/server"
	"github.com/ordermaster/printbridge/pkg/models"
	"github.com/ordermaster/printbridge/pkg/plugin"
)

// addDeviceRequest is the JSON body for POST /devices.
type addDeviceRequest struct {
	Address string `json:"address"`
	Port    int    `json:"port,omitempty"`
	Name    string `json:"name,omitempty"`
}

// scanRequest is the JSON body for POST /scan. Durations are milliseconds.
type scanRequest struct {
	Method         models.ScanMethod `json:"method,omitempty"`
	Targets        []string          `json:"targets,omitempty"`
	Ports          []int             `json:"ports,omitempty"`
	Concurrency    int               `json:"concurrency,omitempty"`
	ProbeTimeoutMs int               `json:"probe_timeout_ms,omitempty"`
	DeadlineMs     int               `json:"deadline_ms,omitempty"`
	Wait           bool              `json:"wait,omitempty"`
}

func (r scanRequest) config() discovery.ScanConfig {
	return discovery.ScanConfig{
		Targets:      r.Targets,
		Ports:        r.Ports,
		Concurrency:  r.Concurrency,
		ProbeTimeout: time.Duration(r.ProbeTimeoutMs) * time.Millisecond,
		Deadline:     time.Duration(r.DeadlineMs) * time.Millisecond,
	}
}

// activeRequest is the JSON body for PUT /active.
type activeRequest struct {
	DeviceID string `json:"device_id"`
}

// enqueueRequest is the JSON body for POST /queue.
type enqueueRequest struct {
	DeviceID string           `json:"device_id,omitempty"`
	Order    *receipt.Order   `json:"order,omitempty"`
	Receipt  *receipt.Receipt `json:"receipt,omitempty"`
}

// previewResponse is returned by POST /preview.
type previewResponse struct {
	Text       string             `json:"text"`
	Receipt    receipt.Receipt    `json:"receipt"`
	Validation receipt.Validation `json:"validation"`
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/devices", Handler: m.handleListDevices},
		{Method: "POST", Path: "/devices", Handler: m.handleAddDevice},
		{Method: "DELETE", Path: "/devices/{id}", Handler: m.handleRemoveDevice},
		{Method: "POST", Path: "/devices/{id}/connect", Handler: m.handleConnect},
		{Method: "POST", Path: "/devices/{id}/disconnect", Handler: m.handleDisconnect},
		{Method: "POST", Path: "/devices/{id}/refresh", Handler: m.handleRefresh},
		{Method: "POST", Path: "/devices/{id}/test", Handler: m.handleTestPrint},
		{Method: "GET", Path: "/active", Handler: m.handleGetActive},
		{Method: "PUT", Path: "/active", Handler: m.handleSetActive},
		{Method: "GET", Path: "/settings", Handler: m.handleGetSettings},
		{Method: "PUT", Path: "/settings", Handler: m.handleUpdateSettings},
		{Method: "POST", Path: "/scan", Handler: m.handleScan},
		{Method: "DELETE", Path: "/scan", Handler: m.handleStopScan},
		{Method: "POST", Path: "/orders", Handler: m.handlePrintOrder},
		{Method: "POST", Path: "/receipts", Handler: m.handlePrintReceipt},
		{Method: "POST", Path: "/preview", Handler: m.handlePreview},
		{Method: "GET", Path: "/queue", Handler: m.handleListQueue},
		{Method: "POST", Path: "/queue", Handler: m.handleEnqueue},
		{Method: "POST", Path: "/queue/process", Handler: m.handleProcessQueue},
		{Method: "DELETE", Path: "/queue", Handler: m.handleClearQueue},
		{Method: "GET", Path: "/events", Handler: m.handleEvents},
	}
}

// handleListDevices returns every known printer.
//
//	@Summary	List printers
//	@Tags		printing
//	@Produce	json
//	@Success	200	{array}		models.Device
//	@Failure	500	{object}	server.Problem
//	@Router		/printing/devices [get]
func (m *Module) handleListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := m.svc.Devices(r.Context())
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Device{}
	}
	printingWriteJSON(w, http.StatusOK, list)
}

// handleAddDevice registers a printer by address. An unreachable printer is
// still stored and returned with 202.
func (m *Module) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Address == "" {
		server.BadRequest(w, "address is required", r.URL.Path)
		return
	}

	d, err := m.svc.AddManual(r.Context(), req.Address, req.Port, req.Name)
	var unreachable *probe.UnreachableError
	switch {
	case err == nil:
		printingWriteJSON(w, http.StatusCreated, d)
	case d != nil && errors.As(err, &unreachable):
		printingWriteJSON(w, http.StatusAccepted, d)
	default:
		m.writeError(w, r, err)
	}
}

func (m *Module) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	if err := m.svc.Remove(r.Context(), r.PathValue("id")); err != nil {
		m.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleConnect(w http.ResponseWriter, r *http.Request) {
	d, err := m.svc.Connect(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	printingWriteJSON(w, http.StatusOK, d)
}

func (m *Module) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := m.svc.Disconnect(r.Context(), r.PathValue("id")); err != nil {
		m.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleRefresh(w http.ResponseWriter, r *http.Request) {
	d, err := m.svc.RefreshStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	printingWriteJSON(w, http.StatusOK, d)
}

func (m *Module) handleTestPrint(w http.ResponseWriter, r *http.Request) {
	res, err := m.svc.TestPrint(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	printingWriteJSON(w, http.StatusOK, res)
}

func (m *Module) handleGetActive(w http.ResponseWriter, r *http.Request) {
	d, err := m.svc.Active(r.Context())
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	printingWriteJSON(w, http.StatusOK, d)
}

func (m *Module) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := m.svc.SetActive(r.Context(), req.DeviceID); err != nil {
		m.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := m.svc.Settings(r.Context())
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	printingWriteJSON(w, http.StatusOK, st)
}

func (m *Module) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := m.svc.UpdateSettings(r.Context(), req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	printingWriteJSON(w, http.StatusOK, st)
}

// handleScan starts a discovery scan. Results stream over /events; with
// "wait" set the request blocks and returns the devices found.
func (m *Module) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Method == "" {
		req.Method = models.ScanMethodNetwork
	}

	run, ok := m.scanFunc(req)
	if !ok {
		server.BadRequest(w, "unknown scan method "+string(req.Method), r.URL.Path)
		return
	}
	if m.svc.scanner.Running() {
		server.Conflict(w, discovery.ErrScanInProgress.Error(), r.URL.Path)
		return
	}

	if req.Wait {
		found, err := run(r.Context())
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		if found == nil {
			found = []models.Device{}
		}
		printingWriteJSON(w, http.StatusOK, found)
		return
	}

	ctx := m.backgroundContext()
	go func() {
		if _, err := run(ctx); err != nil {
			m.logger.Info("background scan ended with error",
				zap.String("method", string(req.Method)),
				zap.Error(err),
			)
		}
	}()
	printingWriteJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"method": string(req.Method),
	})
}

func (m *Module) scanFunc(req scanRequest) (func(context.Context) ([]models.Device, error), bool) {
	switch req.Method {
	case models.ScanMethodNetwork:
		return func(ctx context.Context) ([]models.Device, error) {
			return m.svc.DiscoverNetwork(ctx, req.config())
		}, true
	case models.ScanMethodBluetooth:
		return func(ctx context.Context) ([]models.Device, error) {
			return m.svc.DiscoverBluetooth(ctx, req.config())
		}, true
	case models.ScanMethodMDNS:
		return m.svc.DiscoverMDNS, true
	}
	return nil, false
}

func (m *Module) handleStopScan(w http.ResponseWriter, _ *http.Request) {
	m.svc.StopDiscovery()
	w.WriteHeader(http.StatusNoContent)
}

// handlePrintOrder prints an application order on the active printer.
//
//	@Summary	Print order
//	@Tags		printing
//	@Accept		json
//	@Produce	json
//	@Param		order	body		receipt.Order	true	"Order record"
//	@Success	200		{object}	PrintResult
//	@Success	202		{object}	PrintResult	"Queued"
//	@Failure	422		{object}	server.Problem
//	@Failure	503		{object}	server.Problem
//	@Router		/printing/orders [post]
func (m *Module) handlePrintOrder(w http.ResponseWriter, r *http.Request) {
	var order receipt.Order
	if !decodeBody(w, r, &order) {
		return
	}
	res, err := m.svc.PrintOrder(r.Context(), order)
	m.writePrintResult(w, r, res, err)
}

func (m *Module) handlePrintReceipt(w http.ResponseWriter, r *http.Request) {
	var rc receipt.Receipt
	if !decodeBody(w, r, &rc) {
		return
	}
	res, err := m.svc.PrintReceipt(r.Context(), rc)
	m.writePrintResult(w, r, res, err)
}

func (m *Module) writePrintResult(w http.ResponseWriter, r *http.Request, res PrintResult, err error) {
	switch {
	case err == nil:
		printingWriteJSON(w, http.StatusOK, res)
	case errors.Is(err, ErrQueued):
		printingWriteJSON(w, http.StatusAccepted, res)
	default:
		m.writeError(w, r, err)
	}
}

func (m *Module) handlePreview(w http.ResponseWriter, r *http.Request) {
	var order receipt.Order
	if !decodeBody(w, r, &order) {
		return
	}
	rc, v := m.svc.BuildReceipt(order)
	printingWriteJSON(w, http.StatusOK, previewResponse{
		Text:       m.svc.Preview(rc),
		Receipt:    rc,
		Validation: v,
	})
}

func (m *Module) handleListQueue(w http.ResponseWriter, _ *http.Request) {
	printingWriteJSON(w, http.StatusOK, m.svc.Queue())
}

func (m *Module) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var rc receipt.Receipt
	switch {
	case req.Receipt != nil:
		rc = *req.Receipt
	case req.Order != nil:
		rc, _ = m.svc.BuildReceipt(*req.Order)
	default:
		server.BadRequest(w, "order or receipt is required", r.URL.Path)
		return
	}
	job, err := m.svc.Enqueue(r.Context(), req.DeviceID, rc)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	printingWriteJSON(w, http.StatusCreated, job)
}

func (m *Module) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	sent, err := m.svc.ProcessQueue(r.Context())
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	printingWriteJSON(w, http.StatusOK, map[string]int{
		"sent":      sent,
		"remaining": len(m.svc.Queue()),
	})
}

func (m *Module) handleClearQueue(w http.ResponseWriter, _ *http.Request) {
	printingWriteJSON(w, http.StatusOK, map[string]int{"cleared": m.svc.ClearQueue()})
}

// writeError maps domain errors onto problem responses.
func (m *Module) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid     *receipt.ValidationError
		unsupported *connection.UnsupportedEnvironmentError
		unreachable *probe.UnreachableError
		sendErr     *connection.SendError
	)
	path := r.URL.Path
	switch {
	case errors.As(err, &invalid):
		server.Unprocessable(w, err.Error(), path, invalid.Errors, invalid.Warnings)
	case errors.Is(err, devices.ErrNotFound):
		server.NotFound(w, err.Error(), path)
	case errors.Is(err, connection.ErrConnectInFlight), errors.Is(err, connection.ErrConnectAborted),
		errors.Is(err, discovery.ErrScanInProgress):
		server.Conflict(w, err.Error(), path)
	case errors.As(err, &unsupported):
		server.WriteProblem(w, server.Problem{
			Type:     server.ProblemTypeNotImplemented,
			Title:    http.StatusText(http.StatusNotImplemented),
			Status:   http.StatusNotImplemented,
			Detail:   err.Error(),
			Instance: path,
		})
	case errors.As(err, &unreachable), errors.As(err, &sendErr):
		server.WriteProblem(w, server.Problem{
			Type:     server.ProblemTypeBadGateway,
			Title:    http.StatusText(http.StatusBadGateway),
			Status:   http.StatusBadGateway,
			Detail:   err.Error(),
			Instance: path,
		})
	case errors.Is(err, ErrNoActivePrinter), errors.Is(err, connection.ErrNotConnected),
		errors.Is(err, ErrMDNSUnavailable), errors.Is(err, discovery.ErrBluetoothUnavailable):
		server.ServiceUnavailable(w, err.Error(), path)
	default:
		m.logger.Error("request failed", zap.String("path", path), zap.Error(err))
		server.InternalError(w, err.Error(), path)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		server.BadRequest(w, "invalid request body: "+err.Error(), r.URL.Path)
		return false
	}
	return true
}

func printingWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
