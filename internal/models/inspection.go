package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signatures holds base64 encoded signature images.
type Signatures struct {
	Inspector string `json:"inspector,omitempty"`
	Driver    string `json:"driver,omitempty"`
}

// Photos holds base64 encoded inspection photos keyed by position.
type Photos struct {
	Front  string `json:"front,omitempty"`
	LS     string `json:"ls,omitempty"`
	RS     string `json:"rs,omitempty"`
	Back   string `json:"back,omitempty"`
	Damage string `json:"damage,omitempty"`
}

// InspectionRecord is a completed or in-progress inspection. Drafts, history
// rows and submissions all share this shape.
type InspectionRecord struct {
	ID          string            `json:"id"`
	Module      Module            `json:"module"`
	Timestamp   time.Time         `json:"timestamp"`
	TruckNo     string            `json:"truckNo"`
	TrailerNo   string            `json:"trailerNo"`
	JobCard     string            `json:"jobCard,omitempty"`
	InspectedBy string            `json:"inspectedBy"`
	DriverName  string            `json:"driverName"`
	Location    string            `json:"location"`
	Odometer    string            `json:"odometer,omitempty"`
	Rate        int               `json:"rate"`
	Remarks     string            `json:"remarks,omitempty"`
	Checklist   map[string]string `json:"checklist,omitempty"`
	Signatures  Signatures        `json:"signatures"`
	Photos      Photos            `json:"photos"`
	RequestID   string            `json:"requestId,omitempty"`
}

// Passed reports whether the overall rating counts as a pass.
func (r *InspectionRecord) Passed() bool {
	return r.Rate >= 4
}

// Field returns the cell value written to the named column.
func (r *InspectionRecord) Field(name string) string {
	switch name {
	case FieldID:
		return r.ID
	case FieldTimestamp:
		if r.Timestamp.IsZero() {
			return ""
		}
		return r.Timestamp.UTC().Format(time.RFC3339)
	case FieldTruckNo:
		return r.TruckNo
	case FieldTrailerNo:
		return r.TrailerNo
	case FieldJobCard:
		return r.JobCard
	case FieldInspectedBy:
		return r.InspectedBy
	case FieldDriverName:
		return r.DriverName
	case FieldLocation:
		return r.Location
	case FieldOdometer:
		return r.Odometer
	case FieldRate:
		if r.Rate == 0 {
			return ""
		}
		return strconv.Itoa(r.Rate)
	case FieldRemarks:
		return r.Remarks
	case FieldChecklist:
		if len(r.Checklist) == 0 {
			return ""
		}
		data, _ := json.Marshal(r.Checklist)
		return string(data)
	case FieldInspectorSignature:
		return r.Signatures.Inspector
	case FieldDriverSignature:
		return r.Signatures.Driver
	case FieldPhotoFront:
		return r.Photos.Front
	case FieldPhotoLS:
		return r.Photos.LS
	case FieldPhotoRS:
		return r.Photos.RS
	case FieldPhotoBack:
		return r.Photos.Back
	case FieldPhotoDamage:
		return r.Photos.Damage
	case FieldRequestID:
		return r.RequestID
	}
	return ""
}

// SetField assigns a cell value read from the named column. Unknown columns
// are ignored; malformed typed values return an error.
func (r *InspectionRecord) SetField(name, value string) error {
	switch name {
	case FieldID:
		r.ID = value
	case FieldTimestamp:
		if value == "" {
			return nil
		}
		t, err := ParseTimestamp(value)
		if err != nil {
			return err
		}
		r.Timestamp = t
	case FieldTruckNo:
		r.TruckNo = value
	case FieldTrailerNo:
		r.TrailerNo = value
	case FieldJobCard:
		r.JobCard = value
	case FieldInspectedBy:
		r.InspectedBy = value
	case FieldDriverName:
		r.DriverName = value
	case FieldLocation:
		r.Location = value
	case FieldOdometer:
		r.Odometer = value
	case FieldRate:
		if value == "" {
			r.Rate = 0
			return nil
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("rate %q: %w", value, err)
		}
		r.Rate = int(f)
	case FieldRemarks:
		r.Remarks = value
	case FieldChecklist:
		if value == "" {
			return nil
		}
		var items map[string]string
		if err := json.Unmarshal([]byte(value), &items); err != nil {
			return fmt.Errorf("checklist: %w", err)
		}
		r.Checklist = items
	case FieldInspectorSignature:
		r.Signatures.Inspector = value
	case FieldDriverSignature:
		r.Signatures.Driver = value
	case FieldPhotoFront:
		r.Photos.Front = value
	case FieldPhotoLS:
		r.Photos.LS = value
	case FieldPhotoRS:
		r.Photos.RS = value
	case FieldPhotoBack:
		r.Photos.Back = value
	case FieldPhotoDamage:
		r.Photos.Damage = value
	case FieldRequestID:
		r.RequestID = value
	}
	return nil
}

// ReportItem is one checklist line in the emailed report.
type ReportItem struct {
	Category string `json:"category"`
	Label    string `json:"label"`
	Status   string `json:"status"`
}

// ReportData is the report metadata the remote endpoint renders into the
// emailed PDF.
type ReportData struct {
	Title       string       `json:"title"`
	TruckNo     string       `json:"truckNo"`
	TrailerNo   string       `json:"trailerNo"`
	JobCard     string       `json:"jobCard"`
	DriverName  string       `json:"driverName"`
	InspectedBy string       `json:"inspectedBy"`
	Location    string       `json:"location"`
	Odometer    string       `json:"odometer"`
	Timestamp   string       `json:"timestamp"`
	Remarks     string       `json:"remarks"`
	Rate        int          `json:"rate"`
	Items       []ReportItem `json:"items"`
	Signatures  Signatures   `json:"signatures"`
	Photos      Photos       `json:"photos"`
	CompanyName string       `json:"companyName"`
	CompanyLogo string       `json:"companyLogo,omitempty"`
}

// Submission is the row-insert payload posted to the remote endpoint.
type Submission struct {
	Sheet      string     `json:"sheet"`
	Action     string     `json:"action"`
	Row        []string   `json:"row"`
	Headers    []string   `json:"headers"`
	ID         string     `json:"id"`
	ReportData ReportData `json:"reportData"`
	RequestID  string     `json:"requestId,omitempty"`
}

// QueuedSubmission is an unsent submission payload held in the offline queue.
type QueuedSubmission struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// ValidationLists are the autocomplete lists derived from Validation_Data.
type ValidationLists struct {
	Trucks     []string `json:"trucks"`
	Trailers   []string `json:"trailers"`
	Drivers    []string `json:"drivers"`
	Inspectors []string `json:"inspectors"`
	Locations  []string `json:"locations"`
	Positions  []string `json:"positions"`
}

// ValidationListsFromColumns maps Validation_Data columns onto lists.
func ValidationListsFromColumns(cols map[string][]string) ValidationLists {
	return ValidationLists{
		Trucks:     cols["Truck_Reg_No"],
		Trailers:   cols["Trailer_Reg_No"],
		Drivers:    cols["Driver_Name"],
		Inspectors: cols["Inspector_Name"],
		Locations:  cols["Location"],
		Positions:  cols["Position"],
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006 15:04:05",
	"1/2/2006",
}

// ParseTimestamp parses the timestamp formats found in remote tables.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
