package models

import "time"

// TicketStatus is the workflow status of a support ticket.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "Open"
	TicketInProgress TicketStatus = "In Progress"
	TicketResolved   TicketStatus = "Resolved"
	TicketClosed     TicketStatus = "Closed"
)

// Active reports whether the ticket still needs attention.
func (s TicketStatus) Active() bool {
	return s == TicketOpen || s == TicketInProgress
}

// TicketPriority is the urgency of a support ticket.
type TicketPriority string

const (
	PriorityLow      TicketPriority = "Low"
	PriorityMedium   TicketPriority = "Medium"
	PriorityHigh     TicketPriority = "High"
	PriorityCritical TicketPriority = "Critical"
)

// Priorities used by inspection requests.
const (
	PriorityNormal        TicketPriority = "Normal"
	PriorityUrgent        TicketPriority = "Urgent"
	PrioritySafetyConcern TicketPriority = "Safety Concern"
)

// TicketComment is one reply on a ticket thread.
type TicketComment struct {
	User      string `json:"user"`
	Role      string `json:"role"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Ticket is a support ticket.
type Ticket struct {
	ID          string          `json:"ticketId"`
	Type        string          `json:"type"`
	Subject     string          `json:"subject"`
	Description string          `json:"description"`
	Priority    TicketPriority  `json:"priority"`
	User        string          `json:"user"`
	Email       string          `json:"email"`
	Role        string          `json:"role"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      TicketStatus    `json:"status"`
	Comments    []TicketComment `json:"comments"`
	AssignedTo  string          `json:"assignedTo,omitempty"`
	Attachment  string          `json:"attachment,omitempty"`
}

// InspectionRequestStatus is the lifecycle state of an inspection request.
type InspectionRequestStatus string

const (
	RequestPending   InspectionRequestStatus = "Pending"
	RequestCompleted InspectionRequestStatus = "Completed"
)

// InspectionRequest is a row of the Inspection_Requests table.
type InspectionRequest struct {
	ID                string                  `json:"requestId"`
	Requester         string                  `json:"requester"`
	Role              string                  `json:"role"`
	TruckNo           string                  `json:"truckNo"`
	TrailerNo         string                  `json:"trailerNo"`
	Type              string                  `json:"type"`
	Reason            string                  `json:"reason"`
	Priority          TicketPriority          `json:"priority"`
	AssignedInspector string                  `json:"assignedInspector,omitempty"`
	Status            InspectionRequestStatus `json:"status"`
	Timestamp         time.Time               `json:"timestamp"`
}
