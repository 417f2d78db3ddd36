// This file contains the REST API handlers for the file surface: upload,
// list, row reads with filtering and pagination, the batch cell update
// endpoint backing the save protocol, download and delete.
package gridsync

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const maxUploadBytes = 32 << 20

type api struct {
	storage  *CSVStorage
	meta     *MetaStore
	sessions SessionStore
	saver    *Saver
	hooks    *Hooks
}

type rowsResponse struct {
	FileID     string              `json:"fileId"`
	Headers    []string            `json:"headers"`
	Rows       []map[string]string `json:"rows"`
	TotalRows  int                 `json:"totalRows"`
	TotalPages int                 `json:"totalPages"`
	Page       int                 `json:"page"`
	Limit      int                 `json:"limit"`
}

type updateCellsRequest struct {
	Changes []CellChange `json:"changes"`
}

func (a *api) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.reportError("api_encode", err)
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := StatusInternalServerError

	message := "internal error"

	if e, ok := err.(*Error); ok {
		status = e.Code
		message = e.Message
	}
	a.reportError("api", err)

	a.writeJSON(w, status, map[string]interface{}{"error": message})
}

func (a *api) reportError(component string, err error) {
	if err == nil || a.hooks == nil || a.hooks.Metrics == nil {
		return
	}
	a.hooks.Metrics.Error(component, err)
}

// identity resolves the request's session token. REST calls carry the same
// token the gateway handshake uses.
func (a *api) identity(r *http.Request) (Identity, error) {
	token := sessionToken(r)

	if token == "" {
		return Identity{}, unauthorized("", "No session provided")
	}
	return a.sessions.ResolveSession(r.Context(), token)
}

func (a *api) handleUpload(w http.ResponseWriter, r *http.Request) {
	identity, err := a.identity(r)

	if err != nil {
		a.writeError(w, err)

		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.writeError(w, badRequest(string(storageEntity), "malformed upload").withCause(err))

		return
	}
	file, header, err := r.FormFile("file")

	if err != nil {
		a.writeError(w, badRequest(string(storageEntity), "missing file field").withCause(err))

		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))

	if err != nil {
		a.writeError(w, wrapF(err, "failed to read upload"))

		return
	}
	table, err := parseTable(data)

	if err != nil {
		a.writeError(w, err)

		return
	}
	fileId := uuid.NewString()

	if err := a.storage.WriteRaw(r.Context(), fileId, data); err != nil {
		a.writeError(w, err)

		return
	}
	now := isoNow()

	meta := FileMeta{
		ID:           fileId,
		Name:         strings.TrimSuffix(header.Filename, ".csv"),
		OriginalName: header.Filename,
		Size:         int64(len(data)),
		RowCount:     len(table.Rows),
		ColumnCount:  len(table.Headers),
		UploadedBy:   identity.ID,
		UploadedAt:   now,
		UpdatedAt:    now,
	}
	if err := a.meta.Put(meta); err != nil {
		a.writeError(w, err)

		return
	}
	a.writeJSON(w, http.StatusCreated, meta)
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	if _, err := a.identity(r); err != nil {
		a.writeError(w, err)

		return
	}
	files, err := a.meta.List()

	if err != nil {
		a.writeError(w, err)

		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

// handleRows reads a file and returns its rows as header-keyed objects.
// Query parameters page and limit paginate; any other query parameter is
// treated as a column filter with normalized equality.
func (a *api) handleRows(w http.ResponseWriter, r *http.Request) {
	if _, err := a.identity(r); err != nil {
		a.writeError(w, err)

		return
	}
	fileId := mux.Vars(r)["id"]

	table, err := a.storage.ReadTable(r.Context(), fileId)

	if err != nil {
		a.writeError(w, err)

		return
	}
	rows := filterRows(table, r.URL.Query())

	page, limit := pageParams(r.URL.Query())

	total := len(rows)

	totalPages := 0
	if limit > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(limit)))

		start := (page - 1) * limit
		if start >= total {
			rows = [][]string{}
		} else {
			end := start + limit
			if end > total {
				end = total
			}
			rows = rows[start:end]
		}
	}
	out := make([]map[string]string, 0, len(rows))

	for _, row := range rows {
		record := make(map[string]string, len(table.Headers))

		for i, header := range table.Headers {
			if i < len(row) {
				record[header] = row[i]
			}
		}
		out = append(out, record)
	}
	a.writeJSON(w, http.StatusOK, rowsResponse{
		FileID:     fileId,
		Headers:    table.Headers,
		Rows:       out,
		TotalRows:  total,
		TotalPages: totalPages,
		Page:       page,
		Limit:      limit,
	})
}

func pageParams(query map[string][]string) (page, limit int) {
	page = 1
	if v, ok := query["page"]; ok && len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil && n > 0 {
			page = n
		}
	}
	if v, ok := query["limit"]; ok && len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil && n > 0 {
			limit = n
		}
	}
	return page, limit
}

// filterRows keeps rows whose cells match every column filter after
// normalization. Values are compared trimmed, quote-stripped and
// lowercased.
func filterRows(table *Table, query map[string][]string) [][]string {
	type filter struct {
		col  int
		want string
	}

	var filters []filter
	for name, values := range query {
		if name == "page" || name == "limit" {
			continue
		}
		if len(values) == 0 {
			continue
		}
		col := table.FindColumn(name)

		if col < 0 {
			continue
		}
		filters = append(filters, filter{col: col, want: strings.ToLower(normalizeValue(values[0]))})
	}
	if len(filters) == 0 {
		return table.Rows
	}
	out := make([][]string, 0, len(table.Rows))

	for _, row := range table.Rows {
		match := true
		for _, f := range filters {
			if f.col >= len(row) || strings.ToLower(normalizeValue(row[f.col])) != f.want {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}

// handleUpdateCells is the save endpoint. The batch is reconciled against a
// fresh read of the file; conflicts are applied and counted, unknown cells
// skipped and counted, and the result reported so the client can decide
// whether to clear its tracker.
func (a *api) handleUpdateCells(w http.ResponseWriter, r *http.Request) {
	identity, err := a.identity(r)

	if err != nil {
		a.writeError(w, err)

		return
	}
	fileId := mux.Vars(r)["id"]

	var req updateCellsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, badRequest(string(storageEntity), "malformed change batch").withCause(err))

		return
	}
	if len(req.Changes) == 0 {
		a.writeError(w, badRequest(string(storageEntity), "no changes provided"))

		return
	}
	result, err := a.saver.Save(r.Context(), fileId, req.Changes, identity)

	if err != nil {
		a.writeError(w, err)

		return
	}
	if err := a.meta.Touch(fileId, -1); err != nil {
		a.reportError("api_meta", err)
	}
	result.Changes = nil
	a.writeJSON(w, http.StatusOK, result)
}

func (a *api) handleDownload(w http.ResponseWriter, r *http.Request) {
	if _, err := a.identity(r); err != nil {
		a.writeError(w, err)

		return
	}
	fileId := mux.Vars(r)["id"]

	meta, err := a.meta.Get(fileId)

	if err != nil {
		a.writeError(w, err)

		return
	}
	data, err := os.ReadFile(a.storage.Path(fileId))

	if err != nil {
		a.writeError(w, notFound(string(storageEntity), "file not found").withCause(err))

		return
	}
	w.Header().Set("Content-Type", "text/csv")

	w.Header().Set("Content-Disposition", "attachment; filename=\""+meta.OriginalName+"\"")

	if _, err := w.Write(data); err != nil {
		a.reportError("api_download", err)
	}
}

func (a *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := a.identity(r); err != nil {
		a.writeError(w, err)

		return
	}
	fileId := mux.Vars(r)["id"]

	if err := a.storage.Delete(r.Context(), fileId); err != nil {
		a.writeError(w, err)

		return
	}
	if err := a.meta.Delete(fileId); err != nil {
		a.writeError(w, err)

		return
	}
	w.WriteHeader(http.StatusNoContent)
}
