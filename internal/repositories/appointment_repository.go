package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Appointment statuses that allow a patient to contact a doctor.
var eligibleAppointmentStatuses = []string{"SCHEDULED", "COMPLETED"}

// AppointmentRepository answers whether a patient may contact a doctor.
type AppointmentRepository interface {
	HasEligibleAppointment(ctx context.Context, patientID int, doctorID int) (bool, error)
}

type AppointmentRepo struct {
	db *sqlx.DB
}

func NewAppointmentRepo(db *sqlx.DB) *AppointmentRepo {
	return &AppointmentRepo{db: db}
}

// HasEligibleAppointment reports whether a SCHEDULED or COMPLETED appointment exists for the pair.
func (r *AppointmentRepo) HasEligibleAppointment(ctx context.Context, patientID int, doctorID int) (bool, error) {
	query, args, err := sqlx.In(`SELECT EXISTS(SELECT 1 FROM appointments WHERE patient_id=? AND doctor_id=? AND status IN (?))`,
		patientID, doctorID, eligibleAppointmentStatuses)
	if err != nil {
		return false, err
	}
	var exists bool
	err = r.db.GetContext(ctx, &exists, r.db.Rebind(query), args...)
	return exists, err
}
