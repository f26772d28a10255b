package models

import "time"

// ChatThread is the persistent 1:1 conversation between a patient and a doctor.
type ChatThread struct {
	ID        int       `db:"id" json:"id"`
	PatientID int       `db:"patient_id" json:"patient_id"`
	DoctorID  int       `db:"doctor_id" json:"doctor_id"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasParticipant reports whether the user is the patient or the doctor of the thread.
func (t ChatThread) HasParticipant(userID int) bool {
	return userID != 0 && (t.PatientID == userID || t.DoctorID == userID)
}

// OtherParty returns the counterpart of userID on the thread.
func (t ChatThread) OtherParty(userID int) int {
	if t.PatientID == userID {
		return t.DoctorID
	}
	return t.PatientID
}

// ThreadSummary is the per-user view of a thread in the thread list.
type ThreadSummary struct {
	Thread      ChatThread  `json:"thread"`
	OtherParty  UserSummary `json:"other_party"`
	LastMessage *Message    `json:"last_message,omitempty"`
	Preview     string      `json:"preview"`
}
