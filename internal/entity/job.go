package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a job in this status can never change again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PayloadKind tags the job envelope. Every kind owns its own typed input
// struct and its own execution function in the worker; the switch over kinds
// is exhaustive.
type PayloadKind string

const (
	KindCalculation PayloadKind = "calculation"
	KindExtraction  PayloadKind = "extraction"
)

// Options selects how a footprint is computed. FactorVersion pins the GWP
// factor table snapshot so a stored result stays reproducible for audit.
type Options struct {
	Method           string `json:"method"`
	AllocationMethod string `json:"allocation_method"`
	FactorVersion    string `json:"factor_version"`
}

type Job struct {
	ID         uuid.UUID       `json:"id"`
	Kind       PayloadKind     `json:"kind"`
	SubjectRef string          `json:"subject_ref"`
	Status     JobStatus       `json:"status"`
	Progress   int             `json:"progress"`
	Inputs     json.RawMessage `json:"inputs"` // snapshot taken at submission, never mutated
	Options    Options         `json:"options"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Attempt    int             `json:"attempt"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CalculationInput is the inputs snapshot for KindCalculation: the subject's
// declared composition and production parameters, everything the engine needs
// to build a product system and the fallback estimator needs on its own.
type CalculationInput struct {
	SubjectRef string            `json:"subject_ref"`
	Name       string            `json:"name"`
	Category   string            `json:"category"`
	NetMassKg  float64           `json:"net_mass_kg"`
	Components []Component       `json:"components"`
	Production *ProductionParams `json:"production,omitempty"`
}

type Component struct {
	Material string  `json:"material"`
	MassKg   float64 `json:"mass_kg"`
	Origin   string  `json:"origin,omitempty"`
}

type ProductionParams struct {
	EnergyKWh     float64 `json:"energy_kwh"`
	CountryCode   string  `json:"country_code,omitempty"`
	TransportMode string  `json:"transport_mode,omitempty"`
}

// ExtractionInput is the inputs snapshot for KindExtraction. The extraction
// itself is performed by an external collaborator; the pipeline only carries
// the envelope.
type ExtractionInput struct {
	DocumentRef string `json:"document_ref"`
	ContentType string `json:"content_type,omitempty"`
}
