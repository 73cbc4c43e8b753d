package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/tuya-lan-core/internal/bridges/tuya"
	"github.com/nerrad567/tuya-lan-core/internal/device"
)

// maxDiscoveryTimeout caps the timeout_ms query parameter below the
// default API write timeout.
const maxDiscoveryTimeout = 20 * time.Second

// protocolVersion accepts a version sent as a JSON number (3.3), a string
// ("3.3") or null.
type protocolVersion string

// UnmarshalJSON implements json.Unmarshaler.
func (v *protocolVersion) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = protocolVersion(strings.TrimSpace(s))
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("version must be a number or string")
		}
		*v = protocolVersion(n.String())
	}
	return nil
}

// commandRequest is the body of POST /tuya/command.
type commandRequest struct {
	Action   string          `json:"action"`
	DeviceID string          `json:"tuya_device_id"`
	LocalKey string          `json:"local_key"`
	LANIP    string          `json:"lan_ip"`
	Version  protocolVersion `json:"version"`
}

// commandResponse is the success body of POST /tuya/command.
type commandResponse struct {
	OK       bool   `json:"ok"`
	IP       string `json:"ip"`
	Version  string `json:"version"`
	Attempts int    `json:"attempts"`
}

// handleTuyaCommand switches a device on or off.
//
// The request must carry the device ID and local key itself; nothing is
// filled in from saved devices, and an incomplete request is rejected before
// any network I/O. The action is matched exactly. A version that cannot be
// parsed falls back to the default version.
func (s *Server) handleTuyaCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	cmd := tuya.Command{
		DeviceID: strings.TrimSpace(req.DeviceID),
		LocalKey: req.LocalKey,
		IP:       strings.TrimSpace(req.LANIP),
		Action:   req.Action,
		Version:  string(req.Version),
	}
	if cmd.Version != "" {
		if _, err := tuya.ParseVersion(cmd.Version); err != nil {
			s.logger.Warn("ignoring unsupported version",
				"device_id", cmd.DeviceID,
				"version", cmd.Version,
				"request_id", requestID(r.Context()),
			)
			cmd.Version = ""
		}
	}

	res, err := s.dispatcher.SetPower(r.Context(), cmd)
	if err != nil {
		status := commandStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("tuya command failed",
				"device_id", cmd.DeviceID,
				"action", cmd.Action,
				"error", err,
				"request_id", requestID(r.Context()),
			)
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		OK:       true,
		IP:       res.IP,
		Version:  res.Version.String(),
		Attempts: res.Attempts,
	})
}

// handleTuyaDevices runs a discovery scan and lists what answered.
func (s *Server) handleTuyaDevices(w http.ResponseWriter, r *http.Request) {
	timeout, err := s.scanTimeout(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	reports, err := s.dispatcher.Discover(r.Context(), timeout)
	if err != nil {
		s.logger.Error("discovery scan failed", "error", err)
		writeInternalError(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"devices": toDiscovered(reports),
	})
}

// scanTimeout reads ?timeout_ms=, defaulting to the configured scan length.
func (s *Server) scanTimeout(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout_ms")
	if raw == "" {
		return s.discoveryTimeout, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("timeout_ms must be a positive integer")
	}
	return min(time.Duration(ms)*time.Millisecond, maxDiscoveryTimeout), nil
}

// syncRequest is the optional body of POST /tuya/sync.
type syncRequest struct {
	SiteID  string                `json:"site_id"`
	Devices map[string]syncDevice `json:"devices"`
}

type syncDevice struct {
	Name     string `json:"name"`
	LocalKey string `json:"local_key"`
}

// handleTuyaSync scans the network and reconciles saved devices with what
// answered.
//
// The body is optional. site_id renames the site after a successful scan;
// devices saves or updates
// devices keyed by ID. New devices are saved with lan_ip "auto" and the
// discovered version; entries for unsaved devices without a local_key are
// skipped. Every saved device that answered gets its last-seen
// time, version and, for static addresses, its IP refreshed.
func (s *Server) handleTuyaSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOptional[syncRequest](r)
	if err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	timeout, err := s.scanTimeout(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	reports, err := s.dispatcher.Discover(r.Context(), timeout)
	if err != nil {
		s.logger.Error("sync scan failed", "error", err)
		writeInternalError(w, err.Error())
		return
	}

	// The site is renamed only once the scan has succeeded.
	if strings.TrimSpace(req.SiteID) != "" {
		if err := s.site.SetSiteName(r.Context(), req.SiteID); err != nil {
			s.writeSiteError(w, err)
			return
		}
		s.Hub().Broadcast(EventSiteUpdated, map[string]string{"name": s.site.SiteName()})
	}

	found := make(map[string]tuya.DiscoveryReport, len(reports))
	for _, rep := range reports {
		found[rep.DeviceID] = rep
	}

	saved, skipped := 0, 0
	for id, in := range req.Devices {
		d, err := s.syncedDevice(r.Context(), id, in, found)
		if err != nil {
			writeInternalError(w, err.Error())
			return
		}
		if d == nil {
			skipped++
			continue
		}
		if err := s.devices.Upsert(r.Context(), d); err != nil {
			s.writeDeviceError(w, err)
			return
		}
		saved++
	}

	updated, err := s.devices.RecordSightings(r.Context(), device.SightingsFromReports(reports, time.Now().UTC()))
	if err != nil {
		// Partial updates are kept; the scan result is still useful.
		s.logger.Warn("sync could not record every sighting", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"updated": updated,
		"saved":   saved,
		"skipped": skipped,
		"devices": toDiscovered(reports),
	})
}

// syncedDevice merges a sync entry with the saved device, if any. It returns
// nil for an unsaved device sent without a key, which cannot be stored.
func (s *Server) syncedDevice(ctx context.Context, id string, in syncDevice, found map[string]tuya.DiscoveryReport) (*device.Device, error) {
	d, err := s.devices.Get(ctx, id)
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		if in.LocalKey == "" {
			return nil, nil
		}
		d = &device.Device{ID: id, LANIP: tuya.AutoIP}
	case err != nil:
		return nil, err
	}

	if in.Name != "" {
		d.Name = in.Name
	}
	if in.LocalKey != "" {
		d.LocalKey = in.LocalKey
	}
	if rep, ok := found[id]; ok {
		d.Version = rep.Version.String()
	}
	return d, nil
}

// decodeOptional decodes a JSON body into T, treating an empty body as the
// zero value.
func decodeOptional[T any](r *http.Request) (T, error) {
	var v T
	err := json.NewDecoder(r.Body).Decode(&v)
	if errors.Is(err, io.EOF) {
		return v, nil
	}
	return v, err
}
