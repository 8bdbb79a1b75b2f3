package api

import (
	"context"
	"net/http"

	"github.com/nugget/agrifarm/internal/installation"
	"github.com/nugget/agrifarm/internal/iot"
	"github.com/nugget/agrifarm/internal/users"
)

func (s *Server) installationsReady(w http.ResponseWriter) bool {
	if s.deps.Installations == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "installation requests not configured")
		return false
	}
	return true
}

func (s *Server) handleInstallationCreate(w http.ResponseWriter, r *http.Request, u *users.User) {
	if !s.installationsReady(w) {
		return
	}
	var req installation.CreateInput
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	created, err := s.deps.Installations.Create(r.Context(), u.ID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, created)
}

// handleInstallationList returns the requests the caller can see:
// their own for farmers, assigned ones for technicians, all for admins.
func (s *Server) handleInstallationList(w http.ResponseWriter, r *http.Request, u *users.User) {
	if !s.installationsReady(w) {
		return
	}
	var (
		list []installation.Request
		err  error
	)
	switch u.Role {
	case users.RoleAdmin:
		list, err = s.deps.Installations.All(r.Context())
	case users.RoleTechnician:
		list, err = s.deps.Installations.ByTechnician(r.Context(), u.ID)
	default:
		list, err = s.deps.Installations.ByFarmer(r.Context(), u.ID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondRequests(w, list)
}

func (s *Server) respondRequests(w http.ResponseWriter, list []installation.Request) {
	if list == nil {
		list = []installation.Request{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":    len(list),
		"requests": list,
	})
}

func (s *Server) handleInstallationCancel(w http.ResponseWriter, r *http.Request, u *users.User) {
	if !s.installationsReady(w) {
		return
	}
	req, err := s.deps.Installations.Cancel(r.Context(), u.ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, req)
}

func (s *Server) handleTechnicianRequests(w http.ResponseWriter, r *http.Request, u *users.User) {
	if !s.installationsReady(w) {
		return
	}
	list, err := s.deps.Installations.ByTechnician(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondRequests(w, list)
}

func (s *Server) handleTechnicianRequestGet(w http.ResponseWriter, r *http.Request, u *users.User) {
	if !s.installationsReady(w) {
		return
	}
	req, err := s.deps.Installations.GetForTechnician(r.Context(), u.ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, req)
}

func (s *Server) handleTechnicianStart(w http.ResponseWriter, r *http.Request, u *users.User) {
	if !s.installationsReady(w) {
		return
	}
	req, err := s.deps.Installations.Start(r.Context(), u.ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, req)
}

func (s *Server) handleTechnicianComplete(w http.ResponseWriter, r *http.Request, u *users.User) {
	if !s.installationsReady(w) {
		return
	}
	req, err := s.deps.Installations.Complete(r.Context(), u.ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, req)
}

// handleDeviceActivate brings a registered device online. When the
// activation belongs to an installation request, the request must be
// assigned to the caller; its area is used when none is given, the
// device is attached to it and the request is completed.
func (s *Server) handleDeviceActivate(w http.ResponseWriter, r *http.Request, u *users.User) {
	var in iot.ActivateInput
	if err := decodeBody(r, &in); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	ctx := r.Context()

	var req *installation.Request
	if in.InstallationRequestID != "" {
		if !s.installationsReady(w) {
			return
		}
		var err error
		req, err = s.deps.Installations.GetForTechnician(ctx, u.ID, in.InstallationRequestID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.Status.Terminal() {
			if dev := s.completedWith(ctx, req, in.SerialNumber); dev != nil {
				s.respond(w, http.StatusOK, map[string]any{
					"device":              dev,
					"installationRequest": req,
				})
				return
			}
			s.errorResponse(w, http.StatusConflict, "installation request is "+string(req.Status))
			return
		}
		if in.AreaID == "" {
			in.AreaID = req.AreaID
		}
	}

	dev, err := s.deps.Devices.Activate(ctx, u.ID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req == nil {
		s.respond(w, http.StatusOK, map[string]any{"device": dev})
		return
	}

	paid := in.IsPaid != nil && *in.IsPaid
	if req, err = s.deps.Installations.AttachDevice(ctx, req.ID, dev.ID, paid); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status == installation.StatusAssigned {
		if req, err = s.deps.Installations.Start(ctx, u.ID, req.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req, err = s.deps.Installations.Complete(ctx, u.ID, req.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"device":              dev,
		"installationRequest": req,
	})
}

// completedWith returns the device a COMPLETED request was closed with when
// it carries the given serial, so a repeated activation reports success.
func (s *Server) completedWith(ctx context.Context, req *installation.Request, serial string) *iot.Device {
	if req.Status != installation.StatusCompleted || req.DeviceID == "" {
		return nil
	}
	dev, err := s.deps.Devices.Store().Device(ctx, req.DeviceID)
	if err != nil || dev.SerialNumber != serial {
		return nil
	}
	return dev
}
