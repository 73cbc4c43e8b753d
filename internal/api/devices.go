package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/tuya-lan-core/internal/device"
)

// deviceRequest is the body of PUT /devices/{id}. version may be a number
// or a string, as on /tuya/command.
type deviceRequest struct {
	Name     string          `json:"name"`
	LocalKey string          `json:"local_key"`
	LANIP    string          `json:"lan_ip"`
	Version  protocolVersion `json:"version"`
}

// handleListDevices returns all saved devices with keys redacted.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices failed", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	out := make([]device.RedactedDevice, 0, len(devices))
	for i := range devices {
		out = append(out, devices[i].Redacted())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"devices": out,
		"count":   len(out),
	})
}

// handlePutDevice creates or replaces a saved device.
//
// An omitted local_key keeps the saved key, so clients can rename a device
// without resending its secret.
func (s *Server) handlePutDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := device.ValidateID(id); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	d := &device.Device{
		ID:       id,
		Name:     req.Name,
		LocalKey: req.LocalKey,
		LANIP:    req.LANIP,
		Version:  string(req.Version),
	}
	if d.LocalKey == "" {
		existing, err := s.devices.Get(r.Context(), id)
		switch {
		case err == nil:
			d.LocalKey = existing.LocalKey
		case !errors.Is(err, device.ErrDeviceNotFound):
			writeInternalError(w, "failed to load device")
			return
		}
	}

	if err := s.devices.Upsert(r.Context(), d); err != nil {
		s.writeDeviceError(w, err)
		return
	}

	redacted := d.Redacted()
	s.Hub().Broadcast(EventDeviceUpdated, redacted)
	writeJSON(w, http.StatusOK, redacted)
}

// handleDeleteDevice removes a saved device.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.devices.Delete(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("deleting device failed", "id", id, "error", err)
		writeInternalError(w, "failed to delete device")
		return
	}

	s.Hub().Broadcast(EventDeviceDeleted, map[string]string{"id": id})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// writeDeviceError maps registry errors to responses.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	if errors.Is(err, device.ErrInvalidDevice) {
		writeBadRequest(w, err.Error())
		return
	}
	s.logger.Error("saving device failed", "error", err)
	writeInternalError(w, "failed to save device")
}
