package gridsync

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"
)

func uploadCSV(t *testing.T, ts *testServer, token, filename, content string) FileMeta {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)

	if err != nil {
		t.Fatalf("failed to build form: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("failed to write form: %v", err)
	}
	_ = writer.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.http.URL+"/api/files", &body)

	req.Header.Set("Content-Type", writer.FormDataContentType())

	req.Header.Set("X-Session-Token", token)

	resp, err := http.DefaultClient.Do(req)

	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)

		t.Fatalf("upload returned %d: %s", resp.StatusCode, raw)
	}

	var meta FileMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}
	return meta
}

func apiRequest(t *testing.T, ts *testServer, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)

		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)

	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("X-Session-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)

	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})

	return resp
}

func TestFileAPI(t *testing.T) {
	ts := newTestServer(t)

	csv := "id,Name,Amount\nr1,alice,10\nr2,bob,20\nr3,carol,30\n"

	t.Run("requests without a session are rejected", func(t *testing.T) {
		resp := apiRequest(t, ts, http.MethodGet, "/api/files", "", nil)

		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	meta := uploadCSV(t, ts, "tok-alice", "budget.csv", csv)

	t.Run("upload records metadata", func(t *testing.T) {
		if meta.RowCount != 3 || meta.ColumnCount != 3 {
			t.Fatalf("unexpected metadata: %+v", meta)
		}
		if meta.UploadedBy != "u-alice" {
			t.Fatalf("expected uploader u-alice, got %s", meta.UploadedBy)
		}
	})

	t.Run("list returns the uploaded file", func(t *testing.T) {
		resp := apiRequest(t, ts, http.MethodGet, "/api/files", "tok-alice", nil)

		var body struct {
			Files []FileMeta `json:"files"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode list: %v", err)
		}
		if len(body.Files) != 1 || body.Files[0].ID != meta.ID {
			t.Fatalf("unexpected list: %+v", body.Files)
		}
	})

	t.Run("rows returns header-keyed records", func(t *testing.T) {
		resp := apiRequest(t, ts, http.MethodGet, "/api/files/"+meta.ID+"/rows", "tok-alice", nil)

		var body rowsResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode rows: %v", err)
		}
		if body.TotalRows != 3 || len(body.Rows) != 3 {
			t.Fatalf("unexpected rows: %+v", body)
		}
		if body.Rows[1]["Name"] != "bob" {
			t.Fatalf("unexpected record: %+v", body.Rows[1])
		}
	})

	t.Run("rows supports pagination", func(t *testing.T) {
		resp := apiRequest(t, ts, http.MethodGet, "/api/files/"+meta.ID+"/rows?page=2&limit=2", "tok-alice", nil)

		var body rowsResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode rows: %v", err)
		}
		if body.TotalRows != 3 || body.TotalPages != 2 {
			t.Fatalf("unexpected totals: %+v", body)
		}
		if len(body.Rows) != 1 || body.Rows[0]["id"] != "r3" {
			t.Fatalf("unexpected page: %+v", body.Rows)
		}
	})

	t.Run("rows supports normalized column filters", func(t *testing.T) {
		resp := apiRequest(t, ts, http.MethodGet, "/api/files/"+meta.ID+"/rows?name=%22BOB%22", "tok-alice", nil)

		var body rowsResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode rows: %v", err)
		}
		if body.TotalRows != 1 || body.Rows[0]["id"] != "r2" {
			t.Fatalf("unexpected filter result: %+v", body)
		}
	})

	t.Run("cell update batch reconciles and reports counts", func(t *testing.T) {
		resp := apiRequest(t, ts, http.MethodPatch, "/api/files/"+meta.ID+"/cells", "tok-alice", updateCellsRequest{
			Changes: []CellChange{
				{RowKey: "r1", ColumnName: "name", OldValue: "alice", NewValue: "alicia"},
				{RowKey: "r2", ColumnName: "amount", OldValue: "stale", NewValue: "21"},
				{RowKey: "r9", ColumnName: "name", OldValue: "x", NewValue: "y"},
			},
		})

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		var result SaveResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
		if result.Total != 3 || result.Applied != 2 || result.Conflicts != 1 || result.Skipped != 1 {
			t.Fatalf("unexpected result: %+v", result)
		}
	})

	t.Run("download returns the reconciled file", func(t *testing.T) {
		resp := apiRequest(t, ts, http.MethodGet, "/api/files/"+meta.ID+"/download", "tok-alice", nil)

		raw, err := io.ReadAll(resp.Body)

		if err != nil {
			t.Fatalf("failed to read download: %v", err)
		}
		if !strings.Contains(string(raw), "alicia") || !strings.Contains(string(raw), "21") {
			t.Fatalf("expected reconciled values in download, got %s", raw)
		}
	})

	t.Run("empty batch is rejected", func(t *testing.T) {
		resp := apiRequest(t, ts, http.MethodPatch, "/api/files/"+meta.ID+"/cells", "tok-alice", updateCellsRequest{})

		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("updating a missing file is not found", func(t *testing.T) {
		resp := apiRequest(t, ts, http.MethodPatch, "/api/files/missing/cells", "tok-alice", updateCellsRequest{
			Changes: []CellChange{{RowKey: "r1", ColumnName: "name", OldValue: "a", NewValue: "b"}},
		})

		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("delete removes file and metadata", func(t *testing.T) {
		resp := apiRequest(t, ts, http.MethodDelete, "/api/files/"+meta.ID, "tok-alice", nil)

		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.StatusCode)
		}
		resp = apiRequest(t, ts, http.MethodGet, "/api/files/"+meta.ID+"/rows", "tok-alice", nil)

		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})
}

func TestSaveRelaysToRoomMembers(t *testing.T) {
	ts := newTestServer(t)

	meta := uploadCSV(t, ts, "tok-alice", "budget.csv", "id,nama\nr7,foo\n")

	alice := dialWS(t, ts, "tok-alice")

	waitFor(t, alice, connectedEvent)

	bob := dialWS(t, ts, "tok-bob")

	waitFor(t, bob, connectedEvent)

	sendEvent(t, alice, joinFileEvent, joinFilePayload{FileID: meta.ID})

	waitFor(t, alice, activeUsersEvent)

	sendEvent(t, bob, joinFileEvent, joinFilePayload{FileID: meta.ID})

	waitFor(t, bob, activeUsersEvent)

	resp := apiRequest(t, ts, http.MethodPatch, "/api/files/"+meta.ID+"/cells", "tok-alice", updateCellsRequest{
		Changes: []CellChange{
			{RowKey: "r7", ColumnName: "nama", OldValue: "foo", NewValue: "bar"},
		},
	})

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)

		t.Fatalf("save returned %d: %s", resp.StatusCode, raw)
	}
	ev := waitFor(t, bob, fileUpdatedEvent)

	var update FileUpdate
	if err := parsePayload(&update, ev.Payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if update.RowKey != "r7" || update.Data == nil || update.Data.NewValue != "bar" {
		t.Fatalf("unexpected relay: %+v", update)
	}
	if update.UserID != "u-alice" {
		t.Fatalf("expected saving user stamped, got %s", update.UserID)
	}

	// exactly one relay per applied change, and none back to the saving
	// user's own connections
	expectNoEvent(t, alice, fileUpdatedEvent, 300*time.Millisecond)

	expectNoEvent(t, bob, fileUpdatedEvent, 300*time.Millisecond)
}
