package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalscript/graph"
	"github.com/petal-labs/petalscript/loader"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNodeTypes returns the palette: visible node types by category.
func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ByCategory())
}

// ValidateResponse is returned by POST /api/validate.
type ValidateResponse struct {
	Valid       bool               `json:"valid"`
	Diagnostics []graph.Diagnostic `json:"diagnostics"`
}

// handleValidate validates a graph body without storing it.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	def, ok := s.readGraph(w, r)
	if !ok {
		return
	}
	diags := def.ValidateWithRegistry(s.registry)
	if diags == nil {
		diags = []graph.Diagnostic{}
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Valid: !graph.HasErrors(diags), Diagnostics: diags})
}

// handleListGraphs returns all stored graphs.
func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if records == nil {
		records = []GraphRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetGraph returns a single graph by ID.
func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCreateGraph stores a validated graph. The id comes from the
// document, or is generated when the document has none.
func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	def, ok := s.readValidGraph(w, r)
	if !ok {
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	rec := GraphRecord{
		ID:        def.ID,
		Name:      graphName(def),
		Graph:     def,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(r.Context(), rec); err != nil {
		if errors.Is(err, ErrGraphExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("graph %q already exists", rec.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleUpdateGraph replaces the document of an existing graph.
func (s *Server) handleUpdateGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", id))
		return
	}

	def, ok := s.readValidGraph(w, r)
	if !ok {
		return
	}
	if def.ID != "" && def.ID != id {
		writeError(w, http.StatusBadRequest, "ID_MISMATCH", fmt.Sprintf("document id %q does not match %q", def.ID, id))
		return
	}
	def.ID = id

	rec.Graph = def
	rec.Name = graphName(def)
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(r.Context(), rec); err != nil {
		if errors.Is(err, ErrGraphNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteGraph deletes a graph and its schedules.
func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrGraphNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if s.schedules != nil {
		if err := s.schedules.DeleteByGraph(r.Context(), id); err != nil {
			s.logger.Error("delete schedules of graph", "graph_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

// readGraph decodes a JSON or YAML graph document from the body. YAML is
// selected by a yaml Content-Type; otherwise the format is sniffed.
func (s *Server) readGraph(w http.ResponseWriter, r *http.Request) (*graph.Definition, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return nil, false
	}
	def, err := loader.Parse(body, formatHint(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return nil, false
	}
	return def, true
}

func (s *Server) readValidGraph(w http.ResponseWriter, r *http.Request) (*graph.Definition, bool) {
	def, ok := s.readGraph(w, r)
	if !ok {
		return nil, false
	}
	if _, err := loader.Check(def, s.registry); err != nil {
		var de *loader.DiagnosticError
		if errors.As(err, &de) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "graph validation failed", diagMessages(de.Diagnostics)...)
			return nil, false
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return nil, false
	}
	return def, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return nil, false
	}
	return body, true
}

func formatHint(r *http.Request) string {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return "graph.yaml"
	case "application/json":
		return "graph.json"
	}
	return ""
}

func graphName(def *graph.Definition) string {
	if name := def.Metadata["name"]; name != "" {
		return name
	}
	return def.ID
}

// diagMessages extracts error messages from diagnostics.
func diagMessages(diags []graph.Diagnostic) []string {
	errs := graph.Errors(diags)
	msgs := make([]string, 0, len(errs))
	for _, d := range errs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", d.Code, d.Message))
	}
	return msgs
}

// isMaxBytesError checks if the error is from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
