package channel

import (
	"context"
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	MethodRefreshProducts    = "refreshProducts"
	MethodBuy                = "buy"
	MethodRestorePurchases   = "restorePurchases"
	MethodGetPlatformVersion = "getPlatformVersion"
)

type refreshProductsArgs struct {
	Identifiers []string `json:"identifiers"`
}

type buyArgs struct {
	ProductID string `json:"productId"`
}

// invoke dispatches a named method call to the bridge.
func (s *Server) invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	switch method {
	case MethodRefreshProducts:
		var req refreshProductsArgs
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, s.bridge.RefreshProducts(ctx, req.Identifiers)
	case MethodBuy:
		var req buyArgs
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, s.bridge.Buy(ctx, req.ProductID)
	case MethodRestorePurchases:
		return nil, s.bridge.RestorePurchases(ctx)
	case MethodGetPlatformVersion:
		return s.bridge.PlatformVersion(), nil
	default:
		return nil, status.Errorf(codes.Unimplemented, "unknown method: %s", method)
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid arguments: %v", err)
	}
	return nil
}

// httpStatus maps a status code onto the closest HTTP status.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.Canceled:
		return 499
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
