// Package messages holds the bilingual message catalog. Every user-visible
// string is keyed by a semantic id and resolved in order: requested language,
// Tagalog (primary), English, then a stable placeholder. Strings are opaque
// UTF-8; emoji are fine.
package messages

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

const (
	// LangPrimary is the default delivery language.
	LangPrimary = "tl"
	// LangFallback is the secondary language carried in every envelope.
	LangFallback = "en"
)

// builtin is the shipped catalog: key -> language -> string.
var builtin = map[string]map[string]string{
	"searching": {
		"tl": "Itapat ang dokumento sa loob ng frame",
		"en": "Position the document inside the frame",
	},
	"lock_acquired": {
		"tl": "Nakuha na! Huwag gumalaw 🔒",
		"en": "Locked on! Hold still 🔒",
	},
	"countdown_start": {
		"tl": "Kukunan na — steady lang",
		"en": "Capturing — hold steady",
	},
	"capture_done": {
		"tl": "Nakunan na ang larawan ✅",
		"en": "Photo captured ✅",
	},
	"confirm_prompt": {
		"tl": "Malinaw ba ang kuha? I-confirm para magpatuloy",
		"en": "Does the photo look clear? Confirm to continue",
	},
	"flip_prompt": {
		"tl": "Baliktarin ang dokumento para sa likod 🔄",
		"en": "Flip the document to its back side 🔄",
	},
	"complete": {
		"tl": "Tapos na ang pagkuha ng dokumento 🎉",
		"en": "Document capture complete 🎉",
	},
	"retake_prompt": {
		"tl": "Kunan muli ang dokumento",
		"en": "Retake the document photo",
	},

	// Cancel reasons
	"cancel_motion": {
		"tl": "Gumalaw ang camera — subukan muli nang steady",
		"en": "Camera moved — try again and hold steady",
	},
	"cancel_focus": {
		"tl": "Malabo ang kuha — ilapit o ilayo nang bahagya",
		"en": "Image out of focus — adjust your distance slightly",
	},
	"cancel_glare": {
		"tl": "May sobrang liwanag — iwasan ang direktang ilaw",
		"en": "Too much glare — avoid direct light",
	},
	"cancel_stability": {
		"tl": "Hindi stable ang kuha — hawakan nang mas matatag",
		"en": "Capture unstable — hold the device more firmly",
	},
	"cancel_quality": {
		"tl": "Bumaba ang kalidad ng kuha — subukan muli",
		"en": "Capture quality dropped — please try again",
	},
	"cancel_partial": {
		"tl": "Hindi buo ang dokumento sa frame",
		"en": "Document partially outside the frame",
	},
	"cancel_attack": {
		"tl": "Hindi na-verify ang live capture — gumamit ng totoong dokumento",
		"en": "Live capture could not be verified — use the physical document",
	},

	// Hints, ordered by the gate by distance-to-threshold
	"hint_focus": {
		"tl": "I-tap ang screen para mag-focus",
		"en": "Tap the screen to focus",
	},
	"hint_motion": {
		"tl": "Ipatong ang siko sa mesa para steady",
		"en": "Rest your elbows on a table to steady the shot",
	},
	"hint_glare": {
		"tl": "Ikiling nang bahagya ang dokumento",
		"en": "Tilt the document slightly",
	},
	"hint_corners": {
		"tl": "Siguraduhing kita ang apat na sulok",
		"en": "Make sure all four corners are visible",
	},
	"hint_fill": {
		"tl": "Ilapit ang camera sa dokumento",
		"en": "Move the camera closer to the document",
	},

	// Errors
	"error_generic": {
		"tl": "May naganap na error — subukan muli",
		"en": "Something went wrong — please try again",
	},
	"error_session_not_found": {
		"tl": "Hindi natagpuan ang session",
		"en": "Session not found",
	},
	"error_capability_unavailable": {
		"tl": "Pansamantalang hindi available ang serbisyo",
		"en": "Service temporarily unavailable",
	},
	"error_incomplete_session": {
		"tl": "Hindi pa kumpleto ang session",
		"en": "Session is not yet complete",
	},
	"error_burst_too_long": {
		"tl": "Masyadong mahaba ang burst capture",
		"en": "Burst capture too long",
	},
	"error_too_many_frames": {
		"tl": "Sobra sa limitasyon ang bilang ng frames",
		"en": "Too many frames in burst",
	},
	"error_rate_limited": {
		"tl": "Masyadong maraming request — maghintay sandali",
		"en": "Too many requests — please wait a moment",
	},
	"error_invalid_request": {
		"tl": "Hindi wasto ang request",
		"en": "Invalid request",
	},
	"error_not_ready": {
		"tl": "Hindi pa handa ang resulta",
		"en": "Result not ready yet",
	},

	// Biometric / extraction progress
	"biometric_checking": {
		"tl": "Vine-verify ang iyong mukha…",
		"en": "Verifying your face…",
	},
	"extraction_running": {
		"tl": "Binabasa ang dokumento…",
		"en": "Reading the document…",
	},
	"decision_approved": {
		"tl": "Na-verify ang iyong pagkakakilanlan ✅",
		"en": "Your identity has been verified ✅",
	},
	"decision_review": {
		"tl": "Kailangan ng karagdagang pagsusuri",
		"en": "Additional review required",
	},
	"decision_denied": {
		"tl": "Hindi na-verify ang pagkakakilanlan",
		"en": "Identity could not be verified",
	},
}

// Catalog resolves semantic message keys to localized strings. Immutable
// after construction.
type Catalog struct {
	entries map[string]map[string]string
}

// NewCatalog returns the builtin catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: builtin}
}

// NewCatalogWithOverlay loads a YAML overlay (key -> lang -> string) on top
// of the builtin catalog. Overlay entries win per (key, lang).
func NewCatalogWithOverlay(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("messages: read overlay: %w", err)
	}
	var overlay map[string]map[string]string
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("messages: parse overlay: %w", err)
	}

	entries := make(map[string]map[string]string, len(builtin)+len(overlay))
	for k, langs := range builtin {
		copied := make(map[string]string, len(langs))
		for l, s := range langs {
			copied[l] = s
		}
		entries[k] = copied
	}
	for k, langs := range overlay {
		if entries[k] == nil {
			entries[k] = make(map[string]string, len(langs))
		}
		for l, s := range langs {
			entries[k][l] = s
		}
	}
	return &Catalog{entries: entries}, nil
}

// Get resolves a key for the requested language with the standard fallback
// chain: requested -> tl -> en -> placeholder.
func (c *Catalog) Get(key, lang string) string {
	langs, ok := c.entries[key]
	if !ok {
		return "??" + key + "??"
	}
	if lang != "" {
		if s, ok := langs[lang]; ok {
			return s
		}
	}
	if s, ok := langs[LangPrimary]; ok {
		return s
	}
	if s, ok := langs[LangFallback]; ok {
		return s
	}
	return "??" + key + "??"
}

// Pair returns the requested-language string plus the English fallback, the
// shape every response envelope carries.
func (c *Catalog) Pair(key, lang string) (primary, english string) {
	return c.Get(key, lang), c.Get(key, LangFallback)
}

// All returns the catalog restricted to one language (or every language when
// lang is empty), for the messages.catalog endpoint.
func (c *Catalog) All(lang string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(c.entries))
	for k, langs := range c.entries {
		if lang == "" {
			copied := make(map[string]string, len(langs))
			for l, s := range langs {
				copied[l] = s
			}
			out[k] = copied
			continue
		}
		out[k] = map[string]string{lang: c.Get(k, lang)}
	}
	return out
}
