package models

import "time"

// DefaultCompanyName is shown until an administrator saves system settings.
const DefaultCompanyName = "My Transport Co."

// SystemSettings is the latest row of the System_Settings table.
type SystemSettings struct {
	CompanyName        string    `json:"companyName"`
	ManagerEmail       string    `json:"managerEmail"`
	UpdatedBy          string    `json:"updatedBy,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt,omitempty"`
	CompanyLogo        string    `json:"companyLogo,omitempty"`
	MobileApkLink      string    `json:"mobileApkLink,omitempty"`
	WebAppURL          string    `json:"webAppUrl,omitempty"`
	MaintenanceMode    bool      `json:"maintenanceMode"`
	MaintenanceMessage string    `json:"maintenanceMessage,omitempty"`
}

// Equal reports whether two settings values carry the same content.
func (s SystemSettings) Equal(o SystemSettings) bool {
	return s.CompanyName == o.CompanyName &&
		s.ManagerEmail == o.ManagerEmail &&
		s.CompanyLogo == o.CompanyLogo &&
		s.MobileApkLink == o.MobileApkLink &&
		s.WebAppURL == o.WebAppURL &&
		s.MaintenanceMode == o.MaintenanceMode &&
		s.MaintenanceMessage == o.MaintenanceMessage
}

// LocalSettings are device settings that survive logout.
type LocalSettings struct {
	EndpointURL string         `json:"endpointUrl"`
	System      SystemSettings `json:"system"`
}
