package api

import (
	"net/http"
	"strconv"

	"github.com/nugget/agrifarm/internal/iot"
	"github.com/nugget/agrifarm/internal/users"
	"github.com/skip2/go-qrcode"
)

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request, u *users.User) {
	devices, err := s.deps.Devices.Devices(r.Context(), u.ID, r.URL.Query().Get("farmId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if devices == nil {
		devices = []iot.Device{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":   len(devices),
		"devices": devices,
	})
}

func (s *Server) handleLatestReadings(w http.ResponseWriter, r *http.Request, u *users.User) {
	readings, err := s.deps.Devices.LatestReadings(r.Context(), u.ID,
		r.URL.Query().Get("areaId"), parseIntParam(r, "limit", 10))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if readings == nil {
		readings = []iot.SensorData{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":    len(readings),
		"readings": readings,
	})
}

type assignRequest struct {
	AreaID string `json:"areaId"`
}

func (s *Server) handleDeviceAssign(w http.ResponseWriter, r *http.Request, u *users.User) {
	var req assignRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.AreaID == "" {
		s.errorResponse(w, http.StatusBadRequest, "areaId is required")
		return
	}

	dev, err := s.deps.Devices.Assign(r.Context(), u.ID, r.PathValue("id"), req.AreaID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, dev)
}

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

// handleDeviceQRCode renders the device serial as a PNG label.
// Technicians may print labels for devices they have not installed yet.
func (s *Server) handleDeviceQRCode(w http.ResponseWriter, r *http.Request, u *users.User) {
	var (
		dev *iot.Device
		err error
	)
	if u.Role == users.RoleTechnician {
		dev, err = s.deps.Devices.Store().Device(r.Context(), r.PathValue("id"))
	} else {
		dev, err = s.deps.Devices.Authorize(r.Context(), u.ID, r.PathValue("id"), false)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	size := min(max(parseIntParam(r, "size", defaultQRSize), minQRSize), maxQRSize)
	png, err := qrcode.Encode(dev.SerialNumber, qrcode.Medium, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write QR code", "error", err)
	}
}

type durationRequest struct {
	Duration int `json:"duration"`
}

// commandOptions reads ?wait=true, which blocks until the device
// confirms the command or the ack timeout elapses.
func commandOptions(r *http.Request) []iot.CommandOption {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		return []iot.CommandOption{iot.WaitForAck()}
	}
	return nil
}

func (s *Server) handleIrrigation(w http.ResponseWriter, r *http.Request, u *users.User) {
	ctx, ref, opts := r.Context(), r.PathValue("id"), commandOptions(r)

	var (
		res *iot.CommandResult
		err error
	)
	switch action := r.PathValue("action"); action {
	case "on":
		res, err = s.deps.Devices.Pump(ctx, u.ID, ref, true, opts...)
	case "off":
		res, err = s.deps.Devices.Pump(ctx, u.ID, ref, false, opts...)
	case "duration":
		var req durationRequest
		if err := decodeBody(r, &req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		res, err = s.deps.Devices.Irrigate(ctx, u.ID, ref, req.Duration, opts...)
	case "auto":
		var req iot.AutoIrrigationUpdate
		if err := decodeBody(r, &req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		res, err = s.deps.Devices.SetAutoIrrigation(ctx, u.ID, ref, req, opts...)
	default:
		s.errorResponse(w, http.StatusNotFound, "unknown irrigation action: "+action)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, commandResponse(res))
}

func (s *Server) handleLighting(w http.ResponseWriter, r *http.Request, u *users.User) {
	ctx, ref, opts := r.Context(), r.PathValue("id"), commandOptions(r)

	var (
		res *iot.CommandResult
		err error
	)
	switch action := r.PathValue("action"); action {
	case "on":
		res, err = s.deps.Devices.Light(ctx, u.ID, ref, true, opts...)
	case "off":
		res, err = s.deps.Devices.Light(ctx, u.ID, ref, false, opts...)
	case "auto":
		var req iot.AutoLightUpdate
		if err := decodeBody(r, &req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		res, err = s.deps.Devices.SetAutoLight(ctx, u.ID, ref, req, opts...)
	default:
		s.errorResponse(w, http.StatusNotFound, "unknown lighting action: "+action)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, commandResponse(res))
}

// commandResponse reports a published command. confirmed is only
// meaningful when the caller asked to wait for the ack.
func commandResponse(res *iot.CommandResult) map[string]any {
	out := map[string]any{
		"success":   true,
		"result":    res,
		"confirmed": res.Confirmed(),
	}
	if res.AckErr != nil {
		out["ackError"] = res.AckErr.Error()
	}
	return out
}

func (s *Server) handleLightingHistory(w http.ResponseWriter, r *http.Request, u *users.User) {
	history, err := s.deps.Devices.LightingHistory(r.Context(), u.ID, r.PathValue("id"), parseIntParam(r, "limit", 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []iot.LightingEvent{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":  len(history),
		"events": history,
	})
}

func (s *Server) handleIrrigationHistory(w http.ResponseWriter, r *http.Request, u *users.User) {
	history, err := s.deps.Devices.IrrigationHistory(r.Context(), u.ID, r.PathValue("id"), parseIntParam(r, "limit", 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []iot.IrrigationEvent{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":  len(history),
		"events": history,
	})
}
