package policy

import (
	"context"
	"fmt"

	"telehealth-chat/internal/models"
)

// EligibleAppointmentChecker reports whether a patient may open a thread with a doctor.
type EligibleAppointmentChecker interface {
	HasEligibleAppointment(ctx context.Context, patientID int, doctorID int) (bool, error)
}

// Guard answers the authorization questions asked before every thread read or write.
type Guard struct {
	appointments EligibleAppointmentChecker
}

func NewGuard(appointments EligibleAppointmentChecker) *Guard {
	return &Guard{appointments: appointments}
}

// CanCreateThread is true when the requester, acting as patient, has a
// scheduled or completed appointment with the doctor.
func (g *Guard) CanCreateThread(ctx context.Context, requesterID int, doctorID int) (bool, error) {
	if requesterID == 0 || doctorID == 0 || requesterID == doctorID {
		return false, nil
	}
	ok, err := g.appointments.HasEligibleAppointment(ctx, requesterID, doctorID)
	if err != nil {
		return false, fmt.Errorf("check appointment: %w", err)
	}
	return ok, nil
}

// CanAccessThread is true for the thread's patient and doctor only.
func (g *Guard) CanAccessThread(userID int, thread models.ChatThread) bool {
	return thread.HasParticipant(userID)
}

// CanCloseThread is true for the thread's patient or an admin.
func (g *Guard) CanCloseThread(identity models.Identity, thread models.ChatThread) bool {
	if identity.IsZero() {
		return false
	}
	return identity.UserID == thread.PatientID || identity.Role == models.RoleAdmin
}
