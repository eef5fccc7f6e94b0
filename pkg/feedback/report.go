package feedback

import (
	"fmt"
	"strings"
	"time"
)

// ReportType classifies an operator report.
type ReportType string

const (
	ReportFalsePositive ReportType = "FALSE_POSITIVE"
	ReportFalseNegative ReportType = "FALSE_NEGATIVE"
	ReportCrash         ReportType = "CRASH"
	ReportOther         ReportType = "OTHER"
)

// ReportTypes lists every recognized type.
var ReportTypes = []ReportType{ReportFalsePositive, ReportFalseNegative, ReportCrash, ReportOther}

// ParseReportType resolves a type name case-insensitively. Unrecognized names
// are an *InvalidInputError; they are never coerced to OTHER.
func ParseReportType(s string) (ReportType, error) {
	t := ReportType(strings.ToUpper(strings.TrimSpace(s)))
	if t.Valid() {
		return t, nil
	}
	return "", &InvalidInputError{Field: "report_type", Value: s}
}

// Valid reports whether t is a recognized type.
func (t ReportType) Valid() bool {
	for _, known := range ReportTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Report captures the three panel snapshots at the time of an anomaly.
type Report struct {
	PaneL     string     `json:"pane_l_state"`
	PaneN     string     `json:"pane_n_state"`
	PaneW     string     `json:"pane_w_state"`
	Type      ReportType `json:"report_type"`
	Timestamp time.Time  `json:"timestamp"`
	LocalID   uint64     `json:"local_id"`
	Origin    string     `json:"origin,omitempty"`
}

// AckStatus says how far a report got before Submit returned.
type AckStatus string

const (
	// AckDelivered means the pool accepted the report.
	AckDelivered AckStatus = "delivered"
	// AckQueued means the report is waiting in the pending queue.
	AckQueued AckStatus = "queued"
)

// Ack acknowledges a submitted report.
type Ack struct {
	LocalID uint64     `json:"local_id"`
	Type    ReportType `json:"report_type"`
	Status  AckStatus  `json:"status"`
	Receipt string     `json:"receipt,omitempty"`
}

func (a Ack) String() string {
	if a.Receipt != "" {
		return fmt.Sprintf("Feedback submitted: %s (id=%d, %s, receipt=%s)", a.Type, a.LocalID, a.Status, a.Receipt)
	}
	return fmt.Sprintf("Feedback submitted: %s (id=%d, %s)", a.Type, a.LocalID, a.Status)
}
