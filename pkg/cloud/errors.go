package cloud

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
)

var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
	"PriorRequestNotComplete":                true,
}

var transientCodes = map[string]bool{
	"InternalFailure":         true,
	"InternalError":           true,
	"ServiceUnavailable":      true,
	"RequestTimeout":          true,
	"RequestTimeoutException": true,
}

var accessDeniedCodes = map[string]bool{
	"AccessDenied":          true,
	"AccessDeniedException": true,
	"UnauthorizedOperation": true,
	"AuthorizationError":    true,
	"ExpiredToken":          true,
	"InvalidClientTokenId":  true,
}

// ErrorCode returns the AWS API error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// ErrorMessage returns the AWS API error message carried by err, or "".
func ErrorMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorMessage()
	}
	return ""
}

// IsThrottle reports whether err is an API rate-limit response.
func IsThrottle(err error) bool {
	return throttleCodes[ErrorCode(err)]
}

// IsAccessDenied reports whether err is an authorization failure.
func IsAccessDenied(err error) bool {
	return accessDeniedCodes[ErrorCode(err)]
}

// IsTransient reports whether retrying err may succeed: throttling,
// server-side faults and network errors. Context expiry is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsThrottle(err) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return transientCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
