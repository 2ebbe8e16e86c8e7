package s3

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/datamarket/tierstore/pkg/errors"
)

// errorResponse is the XML body S3 returns with non-2xx responses.
type errorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
}

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// S3 error codes mapped to the storage taxonomy.
var errorCodeMap = map[string]errors.ErrorCode{
	"NoSuchKey":                         errors.ErrCodeObjectNotFound,
	"NotFound":                          errors.ErrCodeObjectNotFound,
	"NoSuchBucket":                      errors.ErrCodeBucketNotFound,
	"SignatureDoesNotMatch":             errors.ErrCodeSignature,
	"RequestTimeTooSkewed":              errors.ErrCodeSignature,
	"AuthorizationHeaderMalformed":      errors.ErrCodeSignature,
	"AuthorizationQueryParametersError": errors.ErrCodeSignature,
	"ExpiredToken":                      errors.ErrCodeAuthFailed,
	"InvalidAccessKeyId":                errors.ErrCodeAuthFailed,
	"InvalidToken":                      errors.ErrCodeAuthFailed,
	"AccessDenied":                      errors.ErrCodeAuthFailed,
	"InvalidRange":                      errors.ErrCodeInvalidRange,
	"InvalidObjectState":                errors.ErrCodeStorageRead,
	"InvalidStorageClass":               errors.ErrCodeInvalidConfig,
	"BadDigest":                         errors.ErrCodeIntegrityMismatch,
	"XAmzContentSHA256Mismatch":         errors.ErrCodeIntegrityMismatch,
	"SlowDown":                          errors.ErrCodeBackendUnavailable,
	"ServiceUnavailable":                errors.ErrCodeBackendUnavailable,
	"InternalError":                     errors.ErrCodeBackendUnavailable,
	"RequestTimeout":                    errors.ErrCodeConnectionTimeout,
}

// responseError converts a non-2xx response into a StorageError. The body is consumed.
func responseError(resp *http.Response, op string) *errors.StorageError {
	var body errorResponse
	if resp.Body != nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if len(data) > 0 {
			_ = xml.Unmarshal(data, &body)
		}
	}
	return classify(resp.StatusCode, body, op)
}

func classify(status int, body errorResponse, op string) *errors.StorageError {
	code, ok := errorCodeMap[body.Code]
	if !ok {
		code = codeForStatus(status)
	}

	msg := body.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	if body.Code != "" {
		msg = fmt.Sprintf("%s: %s", body.Code, msg)
	}
	if body.Code == "InvalidObjectState" {
		msg += " (archived object must be restored before it can be read)"
	}

	e := errors.New(code, msg).WithComponent(component).WithOperation(op)
	if body.RequestID != "" {
		e.Message += " (request id " + body.RequestID + ")"
	}
	return e
}

// codeForStatus is used when the response has no parsable error body, as with HEAD.
func codeForStatus(status int) errors.ErrorCode {
	switch {
	case status == http.StatusNotFound:
		return errors.ErrCodeObjectNotFound
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return errors.ErrCodeAuthFailed
	case status == http.StatusRequestedRangeNotSatisfiable:
		return errors.ErrCodeInvalidRange
	case status == http.StatusRequestTimeout:
		return errors.ErrCodeConnectionTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.ErrCodeBackendUnavailable
	default:
		return errors.ErrCodeInternalError
	}
}
