// Package settings manages device settings and the company-wide system
// settings published through the System_Settings table.
package settings

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/MacJediWizard/fleetcheck/internal/models"
)

const maxCompanyNameLength = 120

// Validation errors.
var (
	ErrCompanyNameRequired = errors.New("company name is required")
	ErrCompanyNameTooLong  = errors.New("company name is too long")
	ErrInvalidLogo         = errors.New("company logo must be an image data URL or an http(s) URL")
)

// Validate checks system settings before they are saved.
func Validate(s models.SystemSettings) error {
	name := strings.TrimSpace(s.CompanyName)
	if name == "" {
		return ErrCompanyNameRequired
	}
	if len(name) > maxCompanyNameLength {
		return ErrCompanyNameTooLong
	}
	if err := ValidateEmail(s.ManagerEmail); err != nil {
		return err
	}
	if err := ValidateURL(s.MobileApkLink); err != nil {
		return fmt.Errorf("mobile APK link: %w", err)
	}
	if err := ValidateURL(s.WebAppURL); err != nil {
		return fmt.Errorf("web app URL: %w", err)
	}
	if s.CompanyLogo != "" && !strings.HasPrefix(s.CompanyLogo, "data:image/") {
		if err := ValidateURL(s.CompanyLogo); err != nil {
			return ErrInvalidLogo
		}
	}
	return nil
}

// ValidateEmail checks an optional email address.
func ValidateEmail(addr string) error {
	if addr == "" {
		return nil
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return fmt.Errorf("invalid manager email: %w", err)
	}
	return nil
}

// ValidateURL checks an optional http or https URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme %q: must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", rawURL)
	}
	return nil
}

// Sanitize trims user input and fills defaults.
func Sanitize(s models.SystemSettings) models.SystemSettings {
	s.CompanyName = strings.TrimSpace(s.CompanyName)
	if s.CompanyName == "" {
		s.CompanyName = models.DefaultCompanyName
	}
	s.ManagerEmail = strings.ToLower(strings.TrimSpace(s.ManagerEmail))
	s.MobileApkLink = strings.TrimSpace(s.MobileApkLink)
	s.WebAppURL = strings.TrimSpace(s.WebAppURL)
	s.MaintenanceMessage = strings.TrimSpace(s.MaintenanceMessage)
	return s
}
