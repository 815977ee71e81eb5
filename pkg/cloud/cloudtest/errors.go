package cloudtest

import "github.com/aws/smithy-go"

// APIError returns a smithy API error with the given code, the shape the SDK
// uses for modeled and unmodeled service errors alike.
func APIError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

// Throttle returns a throttling error.
func Throttle() error {
	return APIError("Throttling", "Rate exceeded")
}

// AccessDenied returns an access denied error.
func AccessDenied() error {
	return APIError("AccessDenied", "User is not authorized to perform this action")
}
