package models

import (
	"fmt"
	"strings"
)

// Module identifies one of the inspection checklist types.
type Module string

const (
	// ModuleGeneral is the general truck and trailer checklist.
	ModuleGeneral Module = "general"
	// ModulePetroleum is the petroleum tanker checklist.
	ModulePetroleum Module = "petroleum"
	// ModulePetroleumV2 is the revised petroleum tanker checklist.
	ModulePetroleumV2 Module = "petroleum_v2"
	// ModuleAcid is the acid tanker checklist.
	ModuleAcid Module = "acid"
)

// Modules lists every inspection module in display order.
var Modules = []Module{ModuleGeneral, ModulePetroleum, ModulePetroleumV2, ModuleAcid}

// Remote table names for the inspection modules.
const (
	SheetGeneral     = "General"
	SheetPetroleum   = "Petroleum"
	SheetPetroleumV2 = "Petroleum_V2"
	SheetAcid        = "Acid"
)

// Remote table names for system data.
const (
	SheetSystemNotification = "SystemNotification"
	SheetSupportTickets     = "Support_Tickets"
	SheetInspectionRequests = "Inspection_Requests"
	SheetSystemSettings     = "System_Settings"
	SheetValidationData     = "Validation_Data"
	SheetAcknowledgements   = "Acknowledgements"
	SheetSubscriptionData   = "Subscription_Data"
	SheetUsers              = "Users"
)

// Column names shared by every inspection table.
const (
	FieldID                 = "id"
	FieldTimestamp          = "timestamp"
	FieldTruckNo            = "truckNo"
	FieldTrailerNo          = "trailerNo"
	FieldJobCard            = "jobCard"
	FieldInspectedBy        = "inspectedBy"
	FieldDriverName         = "driverName"
	FieldLocation           = "location"
	FieldOdometer           = "odometer"
	FieldRate               = "rate"
	FieldRemarks            = "remarks"
	FieldChecklist          = "checklist"
	FieldInspectorSignature = "inspectorSignature"
	FieldDriverSignature    = "driverSignature"
	FieldPhotoFront         = "photoFront"
	FieldPhotoLS            = "photoLS"
	FieldPhotoRS            = "photoRS"
	FieldPhotoBack          = "photoBack"
	FieldPhotoDamage        = "photoDamage"
	FieldRequestID          = "requestId"
)

var generalHeaders = []string{
	FieldID, FieldTimestamp, FieldTruckNo, FieldTrailerNo,
	FieldInspectedBy, FieldDriverName, FieldLocation, FieldOdometer, FieldRate,
	FieldRemarks, FieldChecklist, FieldJobCard,
	FieldInspectorSignature, FieldDriverSignature,
	FieldPhotoFront, FieldPhotoLS, FieldPhotoRS, FieldPhotoBack, FieldPhotoDamage,
	FieldRequestID,
}

var tankerHeaders = []string{
	FieldID, FieldTimestamp, FieldTruckNo, FieldTrailerNo,
	FieldJobCard, FieldLocation, FieldOdometer, FieldInspectedBy, FieldDriverName, FieldRate,
	FieldRemarks, FieldChecklist,
	FieldInspectorSignature, FieldDriverSignature,
	FieldPhotoFront, FieldPhotoLS, FieldPhotoRS, FieldPhotoBack, FieldPhotoDamage,
	FieldRequestID,
}

// ParseModule converts a module name into a Module.
func ParseModule(s string) (Module, error) {
	switch Module(strings.ToLower(strings.TrimSpace(s))) {
	case ModuleGeneral:
		return ModuleGeneral, nil
	case ModulePetroleum:
		return ModulePetroleum, nil
	case ModulePetroleumV2:
		return ModulePetroleumV2, nil
	case ModuleAcid:
		return ModuleAcid, nil
	}
	return "", fmt.Errorf("unknown inspection module %q", s)
}

// ResolveModule maps a loosely formatted inspection type such as "Petroleum_V2"
// or "acid tanker" onto a module. Anything unrecognised is general.
func ResolveModule(kind string) Module {
	k := strings.ToLower(kind)
	switch {
	case strings.Contains(k, "petroleum_v2"):
		return ModulePetroleumV2
	case strings.Contains(k, "petroleum"):
		return ModulePetroleum
	case strings.Contains(k, "acid"):
		return ModuleAcid
	default:
		return ModuleGeneral
	}
}

// Sheet returns the remote table that stores records for the module.
func (m Module) Sheet() string {
	switch m {
	case ModulePetroleum:
		return SheetPetroleum
	case ModulePetroleumV2:
		return SheetPetroleumV2
	case ModuleAcid:
		return SheetAcid
	default:
		return SheetGeneral
	}
}

// Headers returns the column layout used when appending a record for the module.
func (m Module) Headers() []string {
	src := tankerHeaders
	if m == ModuleGeneral || m == "" {
		src = generalHeaders
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// Title is the report title used in submitted report metadata.
func (m Module) Title() string {
	switch m {
	case ModulePetroleum:
		return "Petroleum Tanker Inspection"
	case ModulePetroleumV2:
		return "Petroleum Tanker Inspection V2"
	case ModuleAcid:
		return "Acid Tanker Inspection"
	default:
		return "General Inspection Report"
	}
}

func (m Module) String() string { return string(m) }
