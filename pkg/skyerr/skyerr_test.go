package skyerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"skyplane-ctl/pkg/skyerr"
)

func TestConfigurationError(t *testing.T) {
	err := &skyerr.ConfigurationError{Reason: "no AWS credentials"}
	assert.Equal(t, "configuration error: no AWS credentials", err.Error())
}

func TestProvisionError_Unwrap(t *testing.T) {
	inner := errors.New("ec2 timeout")
	err := &skyerr.ProvisionError{Region: "aws:us-east-1", Step: "launch_instance", Err: inner}
	assert.Contains(t, err.Error(), "aws:us-east-1")
	assert.Contains(t, err.Error(), "launch_instance")
	assert.ErrorIs(t, err, inner)
}

func TestProvisionCountError(t *testing.T) {
	err := &skyerr.ProvisionCountError{Wanted: 4, Got: 2}
	assert.Equal(t, "provision count error: wanted 4 instances, got 2", err.Error())
}

func TestDispatchError(t *testing.T) {
	err := &skyerr.DispatchError{Instance: "i-0123", Status: 500, Body: "internal error"}
	assert.Contains(t, err.Error(), "i-0123")
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "internal error")
}

func TestGatewayError(t *testing.T) {
	err := &skyerr.GatewayError{Errors: map[string][]string{"i-0123": {"disk full"}}}
	assert.Contains(t, err.Error(), "i-0123")
	assert.Contains(t, err.Error(), "disk full")
}

func TestMultipartFinalizeError(t *testing.T) {
	err := &skyerr.MultipartFinalizeError{Failures: map[string]error{"key1": errors.New("abort failed")}}
	assert.Equal(t, "multipart finalize error: 1 record(s) failed", err.Error())
}

func TestPlanError(t *testing.T) {
	err := &skyerr.PlanError{Reason: "neither obj_sizes nor random_chunk_size_mb set"}
	assert.Equal(t, "plan error: neither obj_sizes nor random_chunk_size_mb set", err.Error())
}
