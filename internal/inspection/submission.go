package inspection

import (
	"sort"
	"strings"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/google/uuid"
)

const actionCreate = "create"

// BuildSubmission turns a record into the row-insert payload. A fresh uuid is
// assigned as the record id, and a missing timestamp is set to now.
func BuildSubmission(rec models.InspectionRecord, sys models.SystemSettings, now time.Time) models.Submission {
	if rec.Module == "" {
		rec.Module = models.ModuleGeneral
	}
	rec.ID = uuid.New().String()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now.UTC()
	}

	headers := rec.Module.Headers()
	row := make([]string, len(headers))
	for i, h := range headers {
		row[i] = rec.Field(h)
	}

	return models.Submission{
		Sheet:      rec.Module.Sheet(),
		Action:     actionCreate,
		Row:        row,
		Headers:    headers,
		ID:         rec.ID,
		ReportData: buildReport(rec, sys),
		RequestID:  rec.RequestID,
	}
}

func buildReport(rec models.InspectionRecord, sys models.SystemSettings) models.ReportData {
	jobCard := rec.JobCard
	if jobCard == "" {
		jobCard = "N/A"
	}
	return models.ReportData{
		Title:       rec.Module.Title(),
		TruckNo:     rec.TruckNo,
		TrailerNo:   rec.TrailerNo,
		JobCard:     jobCard,
		DriverName:  rec.DriverName,
		InspectedBy: rec.InspectedBy,
		Location:    rec.Location,
		Odometer:    rec.Odometer,
		Timestamp:   rec.Field(models.FieldTimestamp),
		Remarks:     rec.Remarks,
		Rate:        rec.Rate,
		Items:       reportItems(rec.Checklist),
		Signatures:  rec.Signatures,
		Photos:      rec.Photos,
		CompanyName: sys.CompanyName,
		CompanyLogo: sys.CompanyLogo,
	}
}

// reportItems lists checklist entries in key order. Keys of the form
// "Category/Label" are split; an empty status reads as N/A.
func reportItems(checklist map[string]string) []models.ReportItem {
	keys := make([]string, 0, len(checklist))
	for k := range checklist {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]models.ReportItem, 0, len(keys))
	for _, k := range keys {
		category, label := "General", k
		if i := strings.Index(k, "/"); i > 0 {
			category, label = k[:i], k[i+1:]
		}
		status := checklist[k]
		if status == "" {
			status = "N/A"
		}
		items = append(items, models.ReportItem{Category: category, Label: label, Status: status})
	}
	return items
}
