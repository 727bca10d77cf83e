package models

import (
	"time"
)

// Work stages. Analysis turns images into a base-language description,
// translation turns that description into each remaining requested language.
const (
	StageAnalysis    = "analysis"
	StageTranslation = "translation"
)

// PayloadVersion is the callback payload schema version.
const PayloadVersion = "1.0.0"

// Image is one image reference attached to a lot.
type Image struct {
	URL string `json:"url"`
}

// Lot is one caller-submitted unit of work: a set of images plus the
// languages the caller wants descriptions in. Immutable after intake.
type Lot struct {
	LotID            string   `json:"lot_id"`
	Webhook          string   `json:"webhook"`
	AdditionalInfo   string   `json:"additional_info,omitempty"`
	Images           []Image  `json:"images"`
	Languages        []string `json:"languages"`
	PriorityLanguage string   `json:"priority_language,omitempty"`
	CallerKey        string   `json:"caller_key,omitempty"`
}

// WorkUnit is a queued instance of a lot at one stage. Analysis units carry
// the lot itself; translation units additionally carry the source text and
// the target language.
type WorkUnit struct {
	Stage      string `json:"stage"`
	CustomID   string `json:"custom_id"`
	Lot        Lot    `json:"lot"`
	SourceText string `json:"source_text,omitempty"`
	Language   string `json:"language,omitempty"`
}

// BatchJob is the bookkeeping record for one outstanding bulk submission.
// Units maps each submitted line's custom id back to its work unit so
// completion handling can be matched to lots.
type BatchJob struct {
	JobID       string              `json:"job_id"`
	Stage       string              `json:"stage"`
	CallerKey   string              `json:"caller_key"`
	AdmissionID string              `json:"admission_id"`
	Units       map[string]WorkUnit `json:"units"`
	SubmittedAt time.Time           `json:"submitted_at"`
}

// LotIn is one lot as it appears in a submission request.
type LotIn struct {
	Webhook        string  `json:"webhook" binding:"required"`
	LotID          string  `json:"lot_id" binding:"required"`
	AdditionalInfo string  `json:"additional_info,omitempty"`
	Images         []Image `json:"images" binding:"required"`
}

// RequestIn is a multi-lot submission.
type RequestIn struct {
	Version          string   `json:"version" binding:"required"`
	Languages        []string `json:"languages" binding:"required"`
	PriorityLanguage string   `json:"priority_language,omitempty"`
	Lots             []LotIn  `json:"lots" binding:"required"`
	Signature        string   `json:"signature"`
}

// DamageDesc is one per-language description in a success callback.
type DamageDesc struct {
	Language string `json:"language"`
	Damages  string `json:"damages"`
}

// LotOut is one lot's assembled result in a success callback.
type LotOut struct {
	LotID        string       `json:"lot_id"`
	Descriptions []DamageDesc `json:"descriptions"`
}

// ResponseOut is the signed success callback payload.
type ResponseOut struct {
	Signature string   `json:"signature"`
	Version   string   `json:"version"`
	Lots      []LotOut `json:"lots"`
}

// ErrorInfo describes a per-lot processing failure.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// LotError is one failed lot in an error callback.
type LotError struct {
	LotID string    `json:"lot_id"`
	Error ErrorInfo `json:"error"`
}

// ErrorOut is the signed error callback payload.
type ErrorOut struct {
	Signature string     `json:"signature"`
	Version   string     `json:"version"`
	Lots      []LotError `json:"lots"`
}

// DeadLetter is a callback delivery that exhausted its retry budget,
// persisted for operator inspection.
type DeadLetter struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Payload   string    `json:"payload"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
