package controller

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mailrelay/internal/api"
	"mailrelay/internal/directory"
	"mailrelay/internal/model"
)

func newTestServer(t *testing.T) (*Server, *directory.Directory) {
	t.Helper()
	dir := directory.New(30 * time.Second)
	return NewServer("127.0.0.1:0", dir), dir
}

func TestHandleRegister_AllocatesRecord(t *testing.T) {
	t.Parallel()

	s, dir := newTestServer(t)

	body, _ := json.Marshal(api.RegisterRequest{IPAddress: "10.0.0.1", Port: 3000, MailAddress: "a@x"})
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleRegister(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp api.RegisterResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Node == nil || resp.Node.NodeID == "" {
		t.Fatalf("resp=%+v", resp)
	}
	if _, ok := dir.LookupByID(resp.Node.NodeID); !ok {
		t.Fatal("record not in directory")
	}
}

func TestHandleLookup_ParamAndNotFound(t *testing.T) {
	t.Parallel()

	s, dir := newTestServer(t)
	dir.Register("10.0.0.1", 3000, "a@x")

	req := httptest.NewRequest(http.MethodGet, "/lookup", nil)
	rec := httptest.NewRecorder()
	s.handleLookup(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing param status=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/lookup?mailAddress=ghost@x", nil)
	rec = httptest.NewRecorder()
	s.handleLookup(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown mail status=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/lookup?mailAddress=a@x", nil)
	rec = httptest.NewRecorder()
	s.handleLookup(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp api.LookupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Node == nil || resp.Node.MailAddress != "a@x" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestHandleLookup_SkipsOfflineRecords(t *testing.T) {
	t.Parallel()

	s, dir := newTestServer(t)
	rec0 := dir.Register("10.0.0.1", 3000, "a@x")
	dir.MarkOffline(rec0.NodeID)

	req := httptest.NewRequest(http.MethodGet, "/lookup?mailAddress=a@x", nil)
	rec := httptest.NewRecorder()
	s.handleLookup(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d (offline record must not resolve)", rec.Code)
	}
}

func TestHandleNodes_ListsEverything(t *testing.T) {
	t.Parallel()

	s, dir := newTestServer(t)
	dir.Register("10.0.0.1", 3000, "a@x")
	off := dir.Register("10.0.0.2", 3000, "b@x")
	dir.MarkOffline(off.NodeID)

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	rec := httptest.NewRecorder()
	s.handleNodes(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp api.NodesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Nodes) != 2 {
		t.Fatalf("nodes=%d (offline records must still be listed)", len(resp.Nodes))
	}
}

func TestHandleHeartbeat_Codes(t *testing.T) {
	t.Parallel()

	s, dir := newTestServer(t)
	reg := dir.Register("10.0.0.1", 3000, "a@x")
	dir.MarkOffline(reg.NodeID)

	post := func(body any) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewReader(raw))
		rec := httptest.NewRecorder()
		s.handleHeartbeat(rec, req)
		return rec
	}

	if rec := post(api.HeartbeatRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id status=%d", rec.Code)
	}
	if rec := post(api.HeartbeatRequest{NodeID: "ghost"}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status=%d", rec.Code)
	}
	if rec := post(api.HeartbeatRequest{NodeID: reg.NodeID}); rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}

	got, _ := dir.LookupByID(reg.NodeID)
	if got.Status != model.StatusOnline {
		t.Fatalf("status=%q after heartbeat", got.Status)
	}
}

func TestHandler_MethodsEnforced(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	res, err := http.Get(srv.URL + "/register")
	if err != nil {
		t.Fatalf("GET /register: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", res.StatusCode)
	}
}
