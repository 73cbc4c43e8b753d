package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/tuya-lan-core/internal/site"
)

type siteRequest struct {
	Name string `json:"name"`
}

// handleGetSite returns the current site name.
func (s *Server) handleGetSite(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"name": s.site.SiteName()})
}

// handleUpdateSite renames the site. The new name is visible on /health
// as soon as the write commits.
func (s *Server) handleUpdateSite(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.site.SetSiteName(r.Context(), req.Name); err != nil {
		s.writeSiteError(w, err)
		return
	}

	name := s.site.SiteName()
	s.logger.Info("site renamed", "name", name)
	s.Hub().Broadcast(EventSiteUpdated, map[string]string{"name": name})
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (s *Server) writeSiteError(w http.ResponseWriter, err error) {
	if errors.Is(err, site.ErrInvalidName) {
		writeBadRequest(w, err.Error())
		return
	}
	s.logger.Error("saving site name failed", "error", err)
	writeInternalError(w, "failed to save site name")
}
