package server

import (
	"net/http"
	"strings"
	"testing"
)

type networkBody struct {
	UUID           string   `json:"uuid"`
	SSID           string   `json:"ssid"`
	Channels       []int64  `json:"channels"`
	SecuritySuites []string `json:"security_suites"`
	IsAlerted      bool     `json:"is_alerted"`
}

func TestMonitoredNetworkLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	const path = "/api/dot11/monitoring/ssids"

	create := map[string]any{
		"ssid":            "corp-wifi",
		"organization_id": "org-1",
		"tenant_id":       "tenant-1",
		"bssids":          []map[string]any{{"bssid": "00:C0:CA:95:68:3B", "fingerprints": []string{"ec3a1f"}}},
		"channels":        []int{1, 6, 11},
		"security_suites": []string{"WPA2-PSK-CCMP"},
	}
	rec := s.do(t, http.MethodPost, path, s.jwt, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var created struct {
		Data networkBody `json:"data"`
	}
	decode(t, rec, &created)
	if created.Data.UUID == "" || created.Data.IsAlerted {
		t.Fatalf("unexpected network %+v", created.Data)
	}
	id := created.Data.UUID

	if rec := s.do(t, http.MethodPost, path, s.jwt, create); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a monitored SSID, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, path, s.jwt, map[string]any{"ssid": "guest", "channels": []int{-1}}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid channel, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, path, "", create); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	// A beacon on channel 13 alerts the network.
	report := strings.Replace(statusReport, `"alerts": [`, `"beacons": [{"ssid": "corp-wifi", "bssid": "00:c0:ca:95:68:3b", "channel": 13}],
	"alerts": [`, 1)
	if rec := s.do(t, http.MethodPost, "/api/taps/status", testTapToken, report); rec.Code != http.StatusOK {
		t.Fatalf("ingest: %d %s", rec.Code, rec.Body)
	}
	rec = s.do(t, http.MethodGet, path+"/"+id, s.jwt, nil)
	var shown struct {
		Data networkBody `json:"data"`
	}
	decode(t, rec, &shown)
	if !shown.Data.IsAlerted {
		t.Fatalf("expected the network to be alerted, got %s", rec.Body)
	}

	update := create
	update["channels"] = []int{1, 6, 11, 13}
	rec = s.do(t, http.MethodPut, path+"/"+id, s.jwt, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var updated struct {
		Data networkBody `json:"data"`
	}
	decode(t, rec, &updated)
	if updated.Data.UUID != id || len(updated.Data.Channels) != 4 {
		t.Fatalf("unexpected update %+v", updated.Data)
	}

	rec = s.do(t, http.MethodGet, path, s.jwt, nil)
	var list struct {
		Data  []networkBody `json:"data"`
		Total int           `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 1 || list.Data[0].SSID != "corp-wifi" {
		t.Fatalf("unexpected list %+v", list)
	}

	if rec := s.do(t, http.MethodDelete, path+"/"+id, s.jwt, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, path+"/"+id, s.jwt, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, path+"/"+id, s.jwt, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
