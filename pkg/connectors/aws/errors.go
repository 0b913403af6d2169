package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/openfroyo/broker/pkg/engine"
)

// translate maps an EC2 error onto the broker's error classes.
func translate(err error, operation, cloud, instanceID string) error {
	if err == nil {
		return nil
	}
	var classified *engine.Error
	if errors.As(err, &classified) {
		return err
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return engine.NewRecoverableError("EC2 call timed out", err).
				WithOperation(operation).WithCloud(cloud).WithCode(engine.ErrCodeTimeout)
		}
		return engine.NewRecoverableError("EC2 call failed", err).
			WithOperation(operation).WithCloud(cloud)
	}

	code := apiErr.ErrorCode()
	switch {
	case strings.HasSuffix(code, ".NotFound"), strings.HasSuffix(code, ".Malformed"):
		return engine.NewInstanceNotFoundError(instanceID, err).WithOperation(operation).WithCloud(cloud)

	case code == "InsufficientInstanceCapacity", code == "InsufficientAddressCapacity",
		code == "InsufficientVolumeCapacity", code == "InsufficientCapacity":
		return engine.NewNoAvailableResourcesError(apiErr.ErrorMessage(), err).WithOperation(operation).WithCloud(cloud)

	case code == "RequestLimitExceeded", code == "Throttling", code == "ThrottlingException":
		return engine.NewRecoverableError(apiErr.ErrorMessage(), err).
			WithOperation(operation).WithCloud(cloud).WithCode(engine.ErrCodeRateLimited)

	case code == "InternalError", code == "InternalFailure", code == "ServiceUnavailable", code == "Unavailable",
		code == "IncorrectState", code == "DependencyViolation", code == "IncorrectInstanceState":
		return engine.NewRecoverableError(apiErr.ErrorMessage(), err).
			WithOperation(operation).WithCloud(cloud)

	case code == "InstanceLimitExceeded", code == "VcpuLimitExceeded", code == "AddressLimitExceeded",
		code == "VpcLimitExceeded", code == "VolumeLimitExceeded", code == "MaxIOPSLimitExceeded":
		return engine.NewTerminalError(apiErr.ErrorMessage(), err).
			WithOperation(operation).WithCloud(cloud).WithCode(engine.ErrCodeQuotaExceeded)

	case code == "UnauthorizedOperation", code == "AuthFailure", code == "OptInRequired", code == "Blocked":
		return engine.NewTerminalError(apiErr.ErrorMessage(), err).
			WithOperation(operation).WithCloud(cloud).WithCode(engine.ErrCodePermissionDenied)

	default:
		return engine.NewTerminalError(apiErr.ErrorMessage(), err).
			WithOperation(operation).WithCloud(cloud).WithCode(engine.ErrCodeProviderFailed)
	}
}

// isNotFound reports whether err means the remote object is already gone.
func isNotFound(err error) bool {
	if engine.IsInstanceNotFound(err) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && strings.HasSuffix(apiErr.ErrorCode(), ".NotFound")
}

func isGatewayNotAttached(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "Gateway.NotAttached"
}

func isNotAttached(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "IncorrectState" && strings.Contains(apiErr.ErrorMessage(), "not attached")
}
