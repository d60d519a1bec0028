package models

import "time"

// MonitoredNetwork is an 802.11 network the operator expects to see, with
// the access points, channels and security suites it is allowed to use.
// Beacons for its SSID that deviate from it raise dot11 alerts.
type MonitoredNetwork struct {
	ID             string           `gorm:"primaryKey;size:36" json:"uuid"`
	SSID           string           `gorm:"uniqueIndex;size:32;not null" json:"ssid"`
	OrganizationID string           `gorm:"index;size:36" json:"organization_id"`
	TenantID       string           `gorm:"index;size:36" json:"tenant_id"`
	BSSIDs         []MonitoredBSSID `gorm:"serializer:json" json:"bssids"`
	Channels       []int64          `gorm:"serializer:json" json:"channels"`
	SecuritySuites []string         `gorm:"serializer:json" json:"security_suites"`

	CreatedAt time.Time `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// MonitoredBSSID is an expected access point of a monitored network. An
// empty Fingerprints list accepts any fingerprint.
type MonitoredBSSID struct {
	BSSID        string   `json:"bssid"`
	Fingerprints []string `json:"fingerprints"`
}

// TenantKey identifies the organization and tenant the network belongs to.
// It is empty for untenanted networks.
func (n MonitoredNetwork) TenantKey() string {
	if n.OrganizationID == "" && n.TenantID == "" {
		return ""
	}
	return n.OrganizationID + "/" + n.TenantID
}
