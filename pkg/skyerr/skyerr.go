// Package skyerr defines the typed error kinds spec.md §7 requires the
// core to distinguish and propagate, following the teacher's
// fmt.Errorf("...: %w", err) wrapping idiom throughout pkg/core and
// pkg/state rather than introducing a new error-handling style.
package skyerr

import "fmt"

// ConfigurationError signals credentials missing for a required
// provider, a malformed region tag, or an invalid job setting. A job with
// neither ObjSizes nor RandomChunkSizeMB set is reported as PlanError.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// ProvisionError wraps any cloud primitive failure during P1-P7, with
// fields for the offending region and step. ProvisionGateways sets Step
// only; Region is empty in the errors it returns.
type ProvisionError struct {
	Region string
	Step   string
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision error in %s at step %s: %v", e.Region, e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ProvisionCountError reports fewer instances available than the
// topology demands after reuse and provisioning.
type ProvisionCountError struct {
	Wanted int
	Got    int
}

func (e *ProvisionCountError) Error() string {
	return fmt.Sprintf("provision count error: wanted %d instances, got %d", e.Wanted, e.Got)
}

// DispatchError reports a non-200 response from
// /api/v1/chunk_requests, carrying the instance name and response body.
type DispatchError struct {
	Instance string
	Status   int
	Body     string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch error on %s: status %d: %s", e.Instance, e.Status, e.Body)
}

// GatewayError reports /api/v1/errors returning a non-empty list for one
// or more gateways; surfaced to the monitor as monitor_status "error".
type GatewayError struct {
	Errors map[string][]string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error: %v", e.Errors)
}

// MultipartFinalizeError reports that complete_multipart_upload returned
// not-success for at least one record.
type MultipartFinalizeError struct {
	Failures map[string]error
}

func (e *MultipartFinalizeError) Error() string {
	return fmt.Sprintf("multipart finalize error: %d record(s) failed", len(e.Failures))
}

// PlanError reports a planning-time failure the §7 error table doesn't
// separately name but §4.2 step S2 requires (neither obj_sizes nor
// random_chunk_size_mb was set on the job).
type PlanError struct {
	Reason string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan error: %s", e.Reason)
}
