package billing

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

type ResponseCode int

const (
	ResponseOK ResponseCode = iota
	ResponseUserCanceled
	ResponseServiceDisconnected
	ResponseServiceUnavailable
	ResponseBillingUnavailable
	ResponseItemUnavailable
	ResponseDeveloperError
	ResponseError
	ResponseItemAlreadyOwned
	ResponseItemNotOwned
)

var responseCodeNames = map[ResponseCode]string{
	ResponseOK:                  "OK",
	ResponseUserCanceled:        "USER_CANCELED",
	ResponseServiceDisconnected: "SERVICE_DISCONNECTED",
	ResponseServiceUnavailable:  "SERVICE_UNAVAILABLE",
	ResponseBillingUnavailable:  "BILLING_UNAVAILABLE",
	ResponseItemUnavailable:     "ITEM_UNAVAILABLE",
	ResponseDeveloperError:      "DEVELOPER_ERROR",
	ResponseError:               "ERROR",
	ResponseItemAlreadyOwned:    "ITEM_ALREADY_OWNED",
	ResponseItemNotOwned:        "ITEM_NOT_OWNED",
}

func (c ResponseCode) String() string {
	if name, ok := responseCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("RESPONSE_CODE(%d)", int(c))
}

// GRPCCode maps a billing response onto the bridge's error envelope.
func (c ResponseCode) GRPCCode() codes.Code {
	switch c {
	case ResponseOK:
		return codes.OK
	case ResponseUserCanceled:
		return codes.Canceled
	case ResponseServiceDisconnected, ResponseServiceUnavailable, ResponseBillingUnavailable:
		return codes.Unavailable
	case ResponseItemUnavailable:
		return codes.NotFound
	case ResponseDeveloperError:
		return codes.FailedPrecondition
	case ResponseItemAlreadyOwned:
		return codes.AlreadyExists
	case ResponseItemNotOwned:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// Result is the outcome reported alongside a purchases update.
type Result struct {
	Code         ResponseCode
	DebugMessage string
}

func (r Result) OK() bool {
	return r.Code == ResponseOK
}

// Error is returned by Backend calls the billing service rejected.
type Error struct {
	Code         ResponseCode
	DebugMessage string
}

func NewError(code ResponseCode, debugMessage string) *Error {
	return &Error{Code: code, DebugMessage: debugMessage}
}

func (e *Error) Error() string {
	if e.DebugMessage == "" {
		return fmt.Sprintf("billing: %s", e.Code)
	}
	return fmt.Sprintf("billing: %s: %s", e.Code, e.DebugMessage)
}

// CodeOf extracts the response code carried by err. Errors that did not come
// from the billing service report ResponseError.
func CodeOf(err error) ResponseCode {
	if err == nil {
		return ResponseOK
	}

	var billingErr *Error
	if errors.As(err, &billingErr) {
		return billingErr.Code
	}
	return ResponseError
}

var ErrNotConnected = NewError(ResponseServiceDisconnected, "billing client is not ready")
