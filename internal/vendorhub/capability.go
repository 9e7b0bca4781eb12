// Package vendorhub is the vendor orchestrator: every external call (OCR,
// face match, PAD, AML screening, issuer verification, device fingerprint)
// goes through a capability-typed invocation with circuit breakers, ordered
// failover and per-capability budgets.
package vendorhub

import (
	"context"
	"errors"
	"time"
)

// Capability names an abstract vendor operation.
type Capability string

const (
	CapOCRExtract        Capability = "ocr.extract"
	CapBiometricMatch    Capability = "biometric.match"
	CapBiometricPAD      Capability = "biometric.pad"
	CapAMLScreen         Capability = "aml.screen"
	CapIssuerVerify      Capability = "issuer.verify"
	CapDeviceFingerprint Capability = "device.fingerprint"
)

// Capabilities lists every capability the hub routes, in registration order.
var Capabilities = []Capability{
	CapOCRExtract,
	CapBiometricMatch,
	CapBiometricPAD,
	CapAMLScreen,
	CapIssuerVerify,
	CapDeviceFingerprint,
}

// Timeout returns the per-request deadline for a capability.
func (c Capability) Timeout() time.Duration {
	switch c {
	case CapBiometricPAD:
		return 500 * time.Millisecond
	case CapOCRExtract:
		return 2 * time.Second
	case CapAMLScreen:
		return 5 * time.Second
	default:
		return 2 * time.Second
	}
}

// Idempotent reports whether the capability may be retried within budget.
// Screening and verification reads are; biometric scoring is invoked once.
func (c Capability) Idempotent() bool {
	switch c {
	case CapAMLScreen, CapIssuerVerify, CapDeviceFingerprint, CapOCRExtract:
		return true
	default:
		return false
	}
}

// Adapter is one opaque vendor integration for a capability. Implementations
// must honor the context deadline.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)
}

// Response is a successful capability invocation.
type Response struct {
	Adapter string
	Data    map[string]interface{}
	Latency time.Duration
}

// Sentinel errors surfaced to coordinators.
var (
	ErrCapabilityUnavailable = errors.New("capability_unavailable")
	ErrCapabilityOverloaded  = errors.New("capability_overloaded")
	ErrUnknownCapability     = errors.New("unknown capability")
)
