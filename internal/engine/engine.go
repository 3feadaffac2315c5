// Package engine is the contract of the conditional access engine that owns
// keys, provisioning and descrambling. Engine implementations invoke the
// registered listeners from their own goroutines, possibly while the
// engine's internal locks are held.
package engine

import "fmt"

// Handle is an opaque engine session handle. Zero is never a valid session.
type Handle uint32

// Status is the result of an engine call.
type Status int32

const (
	OK Status = iota
	NeedsProvisioning
	BufferTooSmall
	InvalidHandle
	InvalidArgument
	NotProvisioned
	Failure
)

func (s Status) Ok() bool {
	return s == OK
}

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case NeedsProvisioning:
		return "needs provisioning"
	case BufferTooSmall:
		return "buffer too small"
	case InvalidHandle:
		return "invalid handle"
	case InvalidArgument:
		return "invalid argument"
	case NotProvisioned:
		return "not provisioned"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Error adapts a failed status to the error interface.
func (s Status) Err(call string) error {
	if s.Ok() {
		return nil
	}
	return fmt.Errorf("call to %s failed, status = %v", call, s)
}

// FilterSize is the encoded size of one entitlement filter.
const FilterSize = 16

// Filter selects entitlement messages the platform demultiplexer should
// hand to the in-band session.
type Filter [FilterSize]byte

// StreamType tells the descrambler how to interpret content metadata.
type StreamType int

const (
	StreamDVB StreamType = iota
	StreamISOBMFF
)

type (
	// RenewalFunc is called when the application session needs a license
	// renewal exchange.
	RenewalFunc func(app Handle)

	// NeedKeyFunc is called when a key is missing. A non-zero descrambling
	// handle scopes the request to one stream.
	NeedKeyFunc func(app, descrambling Handle)

	// DeliveryCompleteFunc is called once a delivery session has imported
	// all keys it was waiting for.
	DeliveryCompleteFunc func(delivery Handle, status Status)
)

// Engine is implemented by the vendor engine binding and by the simulated
// engine in package sim.
//
// Export calls follow a size-then-fill pattern: called with a nil or short
// buffer they return BufferTooSmall and the required size, called again with
// a large enough buffer they fill it and return the written size.
type Engine interface {
	// Application session.
	OpenApplication(vault []byte) (Handle, Status)
	CloseApplication(app Handle) Status
	SetRenewalListener(app Handle, fn RenewalFunc) Status
	SetNeedKeyListener(app Handle, fn NeedKeyFunc) Status

	// Provisioning exchange.
	GetProvisioningParameters(app Handle, buf []byte) (int, Status)
	OpenProvisioning(app Handle) (Handle, Status)
	SetProvisioningClientData(prov Handle, params []byte) Status
	ExportProvisioningMessage(prov Handle, buf []byte) (int, Status)
	ImportProvisioningMessage(prov Handle, msg []byte) Status
	CloseProvisioning(prov Handle) Status

	// License delivery and renewal.
	OpenDelivery(app Handle) (Handle, Status)
	SetDeliveryCompleteListener(delivery Handle, fn DeliveryCompleteFunc) Status
	ExportDeliveryMessage(delivery Handle, buf []byte) (int, Status)
	ImportDeliveryMessage(delivery Handle, msg []byte) Status
	CloseDelivery(delivery Handle) Status

	// In-band entitlement messages.
	OpenInband(app Handle) (Handle, Status)
	DecryptEMM(inband Handle, emm []byte) Status
	CloseInband(inband Handle) Status
	GetFilters(app Handle, buf []Filter) (int, Status)

	// Descrambling.
	OpenDescrambling(app Handle) (Handle, Status)
	CloseDescrambling(desc Handle) Status
	SetContentMetadata(desc Handle, metadata []byte, typ StreamType) Status

	// Platform descrambler attached to a transport stream.
	AttachStream(desc Handle, tsid uint32, emi uint16) Status
	DetachStream(desc Handle, tsid uint32) Status
	SetPlatformMetadata(desc Handle, tsid uint32, metadata []byte) Status
}
