package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/covigo-scheduling/internal/appointment"
	"github.com/hackgods/covigo-scheduling/internal/principal"
	redisclient "github.com/hackgods/covigo-scheduling/internal/redis"
)

const (
	appointmentsPage = "/appointments"
	busyMessage      = "An appointment operation is still in progress. Please wait for it to finish before starting another."
)

type handlers struct {
	svc    *appointment.Service
	locker redisclient.Locker
	users  principal.Store
	logger *zap.Logger
}

func (h *handlers) generateAvailabilities(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	if !p.Role.OwnsSlots() {
		writeError(w, http.StatusForbidden, "forbidden", "only staff can publish availabilities")
		return
	}

	var req GenerateAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	spec, err := req.toSpec(h.svc.Clock().Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_availability", err.Error())
		return
	}

	res, err := h.svc.GenerateAvailabilities(r.Context(), p.ID, spec)
	if err != nil {
		h.handleError(w, err)
		return
	}

	resp := GenerateAvailabilityResponse{Created: res.Created, Slots: make([]SlotResponse, 0, len(res.Slots))}
	for _, slot := range res.Slots {
		resp.Slots = append(resp.Slots, toSlotResponse(slot))
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handlers) availabilityTable(w http.ResponseWriter, r *http.Request) {
	rows, err := h.table(r)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TableResponse{Data: rows})
}

// appointments is where batch requests land. It drains the deferred messages
// so each one is shown once.
func (h *handlers) appointments(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	msgs, err := h.drainMessages(r, p.ID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	rows, err := h.table(r)
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AppointmentsPageResponse{Messages: msgs, Data: rows})
}

func (h *handlers) table(r *http.Request) ([]TableRow, error) {
	p := mustPrincipal(r)

	rows, err := h.svc.AvailabilityTable(r.Context(), p)
	if err != nil {
		return nil, err
	}

	mode := strings.ToLower(r.URL.Query().Get("mode"))
	loc := h.svc.Clock().Location()

	out := make([]TableRow, 0, len(rows))
	for _, row := range rows {
		switch mode {
		case "book", "delete":
			if row.With != nil {
				continue
			}
		case "cancel":
			if row.With == nil {
				continue
			}
		}

		start := row.Slot.StartTime.In(loc)
		out = append(out, TableRow{
			ID:    row.Slot.ID,
			Day:   start.Format("Monday"),
			Date:  start.Format(time.DateOnly),
			Start: start.Format("15:04"),
			End:   row.Slot.EndTime.In(loc).Format("15:04"),
			With:  row.With,
		})
	}
	return out, nil
}

func (h *handlers) single(op appointment.BatchOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := mustPrincipal(r)

		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "id must be an integer")
			return
		}

		switch op {
		case appointment.OpBook:
			err = h.svc.Book(r.Context(), id, p.ID)
		case appointment.OpCancel:
			err = h.svc.Cancel(r.Context(), id, p.ID)
		case appointment.OpDelete:
			err = h.svc.DeleteAvailability(r.Context(), id, p.ID)
		}
		if err != nil {
			h.handleError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// batch handles the multi-select form. The job keeps running after the
// redirect; its outcome shows up on the appointments page.
func (h *handlers) batch(op appointment.BatchOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := mustPrincipal(r)

		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_form", err.Error())
			return
		}

		raw := r.PostForm["selected_ids[]"]
		if len(raw) == 0 {
			raw = r.PostForm["selected_ids"]
		}
		ids := make([]int64, 0, len(raw))
		for _, v := range raw {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_slot_id", "selected_ids must be integers")
				return
			}
			ids = append(ids, id)
		}

		_, err := h.svc.Batch(r.Context(), op, ids, p)
		if errors.Is(err, appointment.ErrBusy) {
			if stashErr := h.locker.StashResult(r.Context(), p.ID, redisclient.SeverityWarning, busyMessage); stashErr != nil {
				h.logger.Warn("stash busy message", zap.Int64("principal_id", p.ID), zap.Error(stashErr))
			}
		} else if err != nil {
			h.handleError(w, err)
			return
		}

		http.Redirect(w, r, appointmentsPage, http.StatusSeeOther)
	}
}

func (h *handlers) assignStaff(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	if !p.Role.OwnsSlots() {
		writeError(w, http.StatusForbidden, "forbidden", "only staff can assign doctors")
		return
	}

	patientID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "id must be an integer")
		return
	}

	var req AssignStaffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	if req.StaffID != nil {
		role, err := h.users.RoleOf(r.Context(), *req.StaffID)
		if err != nil {
			h.handleError(w, err)
			return
		}
		if !role.OwnsSlots() {
			writeError(w, http.StatusUnprocessableEntity, "invalid_staff", "assigned doctor must be a staff member")
			return
		}
	}

	res, err := h.svc.AssignStaff(r.Context(), patientID, req.StaffID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AssignStaffResponse{
		PatientID: patientID,
		StaffID:   req.StaffID,
		Moved:     res.Moved,
		Cancelled: res.Cancelled,
	})
}

func (h *handlers) sessionMessages(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	msgs, err := h.drainMessages(r, p.ID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionMessagesResponse{Messages: msgs})
}

func (h *handlers) sessionStatus(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	locked, err := h.locker.IsLocked(r.Context(), p.ID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionStatusResponse{InProgress: locked})
}

func (h *handlers) drainMessages(r *http.Request, principalID int64) ([]redisclient.Result, error) {
	msgs := []redisclient.Result{}
	for {
		msg, err := h.locker.PopResult(r.Context(), principalID)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return msgs, nil
		}
		msgs = append(msgs, *msg)
	}
}

func (req GenerateAvailabilityRequest) toSpec(loc *time.Location) (appointment.AvailabilitySpec, error) {
	spec := appointment.AvailabilitySpec{
		SlotHours:   req.SlotHours,
		SlotMinutes: req.SlotMinutes,
	}

	for _, d := range req.Days {
		wd, err := parseWeekday(d)
		if err != nil {
			return spec, err
		}
		spec.Days = append(spec.Days, wd)
	}

	var err error
	if spec.StartDate, err = time.ParseInLocation(time.DateOnly, req.StartDate, loc); err != nil {
		return spec, errors.New("start_date must be YYYY-MM-DD")
	}
	if spec.EndDate, err = time.ParseInLocation(time.DateOnly, req.EndDate, loc); err != nil {
		return spec, errors.New("end_date must be YYYY-MM-DD")
	}

	for _, w := range req.Windows {
		start, err := appointment.ParseTimeOfDay(w.Start)
		if err != nil {
			return spec, err
		}
		end, err := appointment.ParseTimeOfDay(w.End)
		if err != nil {
			return spec, err
		}
		spec.Windows = append(spec.Windows, appointment.TimeWindow{Start: start, End: end})
	}
	return spec, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if s == name || s == name[:3] {
			return wd, nil
		}
	}
	return 0, errors.New("unknown weekday " + strconv.Quote(s))
}

func toSlotResponse(s appointment.Slot) SlotResponse {
	return SlotResponse{
		ID:        s.ID,
		StaffID:   s.StaffID,
		PatientID: s.PatientID,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
	}
}

func mustPrincipal(r *http.Request) principal.Principal {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		panic("api: handler mounted without PrincipalMiddleware")
	}
	return p
}

func (h *handlers) handleError(w http.ResponseWriter, err error) {
	var collision *appointment.CollisionError
	switch {
	case errors.As(err, &collision):
		writeError(w, http.StatusConflict, "collision", err.Error())
	case errors.Is(err, appointment.ErrBusy):
		writeError(w, http.StatusConflict, "operation_in_progress", busyMessage)
	case errors.Is(err, appointment.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, principal.ErrNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", err.Error())
	case errors.Is(err, principal.ErrNotPatient):
		writeError(w, http.StatusUnprocessableEntity, "not_a_patient", err.Error())
	case errors.Is(err, appointment.ErrSlotAlreadyBooked):
		writeError(w, http.StatusConflict, "slot_already_booked", err.Error())
	case errors.Is(err, appointment.ErrSlotIsBooked):
		writeError(w, http.StatusConflict, "slot_is_booked", err.Error())
	case errors.Is(err, appointment.ErrStaleSlot):
		writeError(w, http.StatusConflict, "slot_modified", err.Error())
	case errors.Is(err, appointment.ErrNotAssignedDoctor),
		errors.Is(err, appointment.ErrNotAuthorized),
		errors.Is(err, appointment.ErrNotOwner),
		errors.Is(err, appointment.ErrNotStaff):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, appointment.ErrEmptyDaySet),
		errors.Is(err, appointment.ErrInvalidSlotDuration),
		errors.Is(err, appointment.ErrInvalidDateRange),
		errors.Is(err, appointment.ErrInvalidWindow),
		errors.Is(err, appointment.ErrWindowNotMultipleOfDuration),
		errors.Is(err, appointment.ErrInvalidTimeOfDay),
		errors.Is(err, appointment.ErrNoMatchingDates),
		errors.Is(err, appointment.ErrInvalidSlotRange):
		writeError(w, http.StatusUnprocessableEntity, "invalid_availability", err.Error())
	case errors.Is(err, appointment.ErrInvalidBatchOp):
		writeError(w, http.StatusBadRequest, "invalid_operation", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
