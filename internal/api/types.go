package api

import (
	"time"

	redisclient "github.com/hackgods/covigo-scheduling/internal/redis"
)

type GenerateAvailabilityRequest struct {
	Days        []string     `json:"days"`
	SlotHours   int          `json:"slot_hours"`
	SlotMinutes int          `json:"slot_minutes"`
	StartDate   string       `json:"start_date"`
	EndDate     string       `json:"end_date"`
	Windows     []WindowJSON `json:"windows"`
}

type WindowJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type SlotResponse struct {
	ID        int64     `json:"id"`
	StaffID   int64     `json:"staff_id"`
	PatientID *int64    `json:"patient_id,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type GenerateAvailabilityResponse struct {
	Created int            `json:"created"`
	Slots   []SlotResponse `json:"slots"`
}

// TableRow mirrors one line of the appointments table shown in the UI.
type TableRow struct {
	ID    int64   `json:"id"`
	Day   string  `json:"day"`
	Date  string  `json:"date"`
	Start string  `json:"start"`
	End   string  `json:"end"`
	With  *string `json:"with"`
}

type TableResponse struct {
	Data []TableRow `json:"data"`
}

type AppointmentsPageResponse struct {
	Messages []redisclient.Result `json:"messages"`
	Data     []TableRow           `json:"data"`
}

type AssignStaffRequest struct {
	StaffID *int64 `json:"staff_id"`
}

type AssignStaffResponse struct {
	PatientID int64  `json:"patient_id"`
	StaffID   *int64 `json:"staff_id"`
	Moved     int    `json:"moved"`
	Cancelled int    `json:"cancelled"`
}

type SessionMessagesResponse struct {
	Messages []redisclient.Result `json:"messages"`
}

type SessionStatusResponse struct {
	InProgress bool `json:"in_progress"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
