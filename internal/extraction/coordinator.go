// Package extraction drives document OCR through the vendor hub and turns
// raw vendor fields into confidence-scored, validated extraction results,
// streaming progress onto the session's event queue.
package extraction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kycgate/backend/internal/events"
	"github.com/kycgate/backend/internal/vendorhub"
)

// FieldID is the closed set of extractable document fields.
type FieldID string

const (
	FieldFirstName      FieldID = "first_name"
	FieldMiddleName     FieldID = "middle_name"
	FieldLastName       FieldID = "last_name"
	FieldDocumentNumber FieldID = "document_number"
	FieldDocumentType   FieldID = "document_type"
	FieldDateOfBirth    FieldID = "date_of_birth"
	FieldExpiryDate     FieldID = "expiry_date"
	FieldAddress        FieldID = "address"
	FieldPlaceOfBirth   FieldID = "place_of_birth"
	FieldSex            FieldID = "sex"
	FieldCivilStatus    FieldID = "civil_status"
	FieldNationality    FieldID = "nationality"
)

// fieldWeights drive the overall confidence; unlisted fields weigh 1.0.
var fieldWeights = map[FieldID]float64{
	FieldDocumentNumber: 1.5,
	FieldDocumentType:   1.3,
	FieldFirstName:      1.2,
	FieldLastName:       1.2,
	FieldDateOfBirth:    1.0,
	FieldAddress:        0.6,
}

// ConfidenceLevel buckets a confidence value.
type ConfidenceLevel string

const (
	LevelHigh   ConfidenceLevel = "high"   // >= 0.85
	LevelMedium ConfidenceLevel = "medium" // [0.60, 0.85)
	LevelLow    ConfidenceLevel = "low"    // < 0.60
)

func levelFor(c float64) ConfidenceLevel {
	switch {
	case c >= 0.85:
		return LevelHigh
	case c >= 0.60:
		return LevelMedium
	default:
		return LevelLow
	}
}

// FieldConfidence is one extracted field.
type FieldConfidence struct {
	Value        string          `json:"value"`
	Confidence   float64         `json:"confidence"`
	Level        ConfidenceLevel `json:"level"`
	Alternatives []string        `json:"alternatives,omitempty"`
	BBox         []float64       `json:"bbox,omitempty"`
}

// Validation is the issuer-template validation outcome.
type Validation struct {
	OK     bool     `json:"ok"`
	Issues []string `json:"issues,omitempty"`
}

// Result is the extraction outcome for one side.
type Result struct {
	Side              string                      `json:"side"`
	OverallConfidence float64                     `json:"overall_confidence"`
	ConfidenceLevel   ConfidenceLevel             `json:"confidence_level"`
	Fields            map[FieldID]FieldConfidence `json:"fields"`
	ProcessingMS      float64                     `json:"processing_ms"`
	Validation        Validation                  `json:"validation"`
}

// Coordinator runs extraction for captured sides.
type Coordinator struct {
	hub *vendorhub.Hub
	bus *events.Bus
}

// NewCoordinator creates an extraction coordinator.
func NewCoordinator(hub *vendorhub.Hub, bus *events.Bus) *Coordinator {
	return &Coordinator{hub: hub, bus: bus}
}

// Extract runs OCR for one captured side, emitting extraction_start, one
// extraction_field per field, periodic extraction_progress, then
// extraction_complete (or extraction_error). Event ordering follows the
// session queue's sequence.
func (c *Coordinator) Extract(ctx context.Context, sessionID, side string) (*Result, error) {
	start := time.Now()
	c.bus.Emit(sessionID, events.TypeExtractionStart, map[string]interface{}{
		"side": side,
	})

	resp, err := c.hub.Invoke(ctx, vendorhub.CapOCRExtract, map[string]interface{}{
		"session_id": sessionID,
		"side":       side,
	})
	if err != nil {
		c.bus.Emit(sessionID, events.TypeExtractionError, map[string]interface{}{
			"side":  side,
			"error": "capability_unavailable",
		})
		return nil, fmt.Errorf("extraction: %w", err)
	}

	fields := parseFields(resp.Data)
	ids := sortedIDs(fields)

	res := &Result{
		Side:   side,
		Fields: fields,
	}

	var weighted, totalWeight float64
	for i, id := range ids {
		fc := fields[id]
		w, ok := fieldWeights[id]
		if !ok {
			w = 1.0
		}
		weighted += fc.Confidence * w
		totalWeight += w

		c.bus.Emit(sessionID, events.TypeExtractionField, map[string]interface{}{
			"side":       side,
			"field":      string(id),
			"confidence": fc.Confidence,
			"level":      string(fc.Level),
		})
		// Progress after every third field; the final fraction rides on
		// extraction_complete.
		if (i+1)%3 == 0 && i+1 < len(ids) {
			c.bus.Emit(sessionID, events.TypeExtractionProgress, map[string]interface{}{
				"side":     side,
				"fraction": float64(i+1) / float64(len(ids)),
			})
		}
	}
	if totalWeight > 0 {
		res.OverallConfidence = weighted / totalWeight
	}
	res.ConfidenceLevel = levelFor(res.OverallConfidence)

	// Validation runs after field aggregation.
	res.Validation = Validate(fields)
	res.ProcessingMS = float64(time.Since(start)) / float64(time.Millisecond)

	c.bus.Emit(sessionID, events.TypeExtractionComplete, map[string]interface{}{
		"side":          side,
		"confidence":    res.OverallConfidence,
		"level":         string(res.ConfidenceLevel),
		"validation_ok": res.Validation.OK,
		"duration_ms":   res.ProcessingMS,
	})
	return res, nil
}

// parseFields converts the vendor's field map into typed FieldConfidence
// entries, ignoring fields outside the closed set.
func parseFields(data map[string]interface{}) map[FieldID]FieldConfidence {
	out := make(map[FieldID]FieldConfidence)
	raw, ok := data["fields"].(map[string]interface{})
	if !ok {
		return out
	}
	for name, v := range raw {
		id := FieldID(name)
		if !knownField(id) {
			continue
		}
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		fc := FieldConfidence{}
		fc.Value, _ = entry["value"].(string)
		fc.Confidence, _ = entry["confidence"].(float64)
		fc.Level = levelFor(fc.Confidence)
		if alts, ok := entry["alternatives"].([]interface{}); ok {
			for _, a := range alts {
				if s, ok := a.(string); ok {
					fc.Alternatives = append(fc.Alternatives, s)
				}
			}
		}
		if bbox, ok := entry["bbox"].([]interface{}); ok && len(bbox) == 4 {
			for _, b := range bbox {
				if f, ok := b.(float64); ok {
					fc.BBox = append(fc.BBox, f)
				}
			}
		}
		out[id] = fc
	}
	return out
}

func knownField(id FieldID) bool {
	switch id {
	case FieldFirstName, FieldMiddleName, FieldLastName, FieldDocumentNumber,
		FieldDocumentType, FieldDateOfBirth, FieldExpiryDate, FieldAddress,
		FieldPlaceOfBirth, FieldSex, FieldCivilStatus, FieldNationality:
		return true
	}
	return false
}

func sortedIDs(fields map[FieldID]FieldConfidence) []FieldID {
	ids := make([]FieldID, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
