package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/code-payments/purchase-bridge/billing/memory"
	"github.com/code-payments/purchase-bridge/bridge"
	"github.com/code-payments/purchase-bridge/iap"
	iap_memory "github.com/code-payments/purchase-bridge/iap/memory"
	"github.com/code-payments/purchase-bridge/model"
	"github.com/code-payments/purchase-bridge/reconcile"
	"github.com/code-payments/purchase-bridge/state"
	"github.com/code-payments/purchase-bridge/testutil"
)

const waitFor = time.Second

var monthly = &model.Product{
	ID:           "sub_m",
	Kind:         model.KindSubscription,
	Title:        "Monthly",
	PriceMicros:  9_990_000,
	CurrencyCode: "USD",
	OfferTokens:  []string{"monthly-offer"},
}

type env struct {
	backend *memory.Backend
	bridge  *bridge.Bridge
	callers *Callers
	url     string
	connect func() (*websocket.Conn, string)
}

func setup(t *testing.T) *env {
	return setupWithVerifier(t, nil)
}

// setupWithVerifier builds the reconciler with the verifier returned by
// newVerifier, if any, which can call back to the connected websockets.
func setupWithVerifier(t *testing.T, newVerifier func(*Callers) iap.Verifier) *env {
	log := zap.Must(zap.NewDevelopment())

	callers := NewCallers()
	var opts []reconcile.Option
	if newVerifier != nil {
		opts = append(opts, reconcile.WithVerifier(newVerifier(callers)))
	}

	backend := memory.New(memory.WithProducts(monthly))
	cache := state.NewCache()
	reconciler := reconcile.New(log, backend, cache, iap_memory.NewInMemory(), opts...)
	presentation := bridge.NewPresentationHolder()

	conf := bridge.DefaultConfig()
	conf.PlatformVersion = "test 1.0"
	b := bridge.New(log, backend, cache, reconciler, presentation, conf)

	require.NoError(t, b.Attach(context.Background()))
	t.Cleanup(func() {
		b.Detach()
		backend.Close()
	})
	require.Eventually(t, b.Connected, waitFor, 5*time.Millisecond)

	server := NewServer(log, b, presentation, DefaultConfig(), WithCallers(callers))
	httpServer := testutil.RunHTTPServer(
		t,
		testutil.WithMiddleware(middleware.RequestID),
		testutil.WithRoutes(server.Register),
	)

	return &env{
		backend: backend,
		bridge:  b,
		callers: callers,
		url:     httpServer.URL,
		connect: func() (*websocket.Conn, string) {
			ws, header := testutil.DialWebsocket(t, httpServer, "/v1/channels")
			id := header.Get(ConnectionIDHeader)
			require.NotEmpty(t, id)
			return ws, id
		},
	}
}

func (e *env) dial() *websocket.Conn {
	ws, _ := e.connect()
	return ws
}

func (e *env) call(t *testing.T, ws *websocket.Conn, id, method string, args any) Frame {
	encoded, err := json.Marshal(args)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Frame{Type: FrameTypeCall, ID: id, Method: method, Args: encoded}))

	frame := readFrame(t, ws)
	require.Equal(t, id, frame.ID)
	return frame
}

func (e *env) post(t *testing.T, method string, body string) (int, Response) {
	resp, err := http.Post(e.url+"/v1/methods/"+method, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))

	var frame Frame
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

// readFrames reads n frames, keyed by type. Frames produced by concurrent
// work are not ordered relative to each other.
func readFrames(t *testing.T, ws *websocket.Conn, n int) map[FrameType]Frame {
	frames := make(map[FrameType]Frame)
	for i := 0; i < n; i++ {
		frame := readFrame(t, ws)
		frames[frame.Type] = frame
	}
	return frames
}

func productIDs(t *testing.T, data any) []string {
	encoded, err := json.Marshal(data)
	require.NoError(t, err)

	var messages []bridge.ProductMessage
	require.NoError(t, json.Unmarshal(encoded, &messages))

	ids := []string{}
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestServer_HTTPMethods(t *testing.T) {
	e := setup(t)

	code, resp := e.post(t, MethodGetPlatformVersion, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "test 1.0", resp.Result)
	require.Nil(t, resp.Error)

	code, resp = e.post(t, MethodRefreshProducts, `{"identifiers": []}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, &ErrorBody{Code: "InvalidArgument", Message: "identifiers is null"}, resp.Error)
	require.Zero(t, e.backend.Calls(memory.OpQueryProducts))

	code, resp = e.post(t, MethodRefreshProducts, `{"identifiers": ["sub_m"]}`)
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, resp.Error)

	// No websocket is open, so there is nothing to launch from.
	code, resp = e.post(t, MethodBuy, `{"productId": "sub_m"}`)
	require.Equal(t, http.StatusPreconditionFailed, code)
	require.Equal(t, "activity/context is null", resp.Error.Message)

	code, resp = e.post(t, MethodRestorePurchases, "")
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, resp.Error)

	code, resp = e.post(t, "transfer", "")
	require.Equal(t, http.StatusNotImplemented, code)
	require.Equal(t, "Unimplemented", resp.Error.Code)

	code, resp = e.post(t, MethodBuy, `{"productId": 7}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "InvalidArgument", resp.Error.Code)
}

func TestServer_Health(t *testing.T) {
	e := setup(t)

	resp, err := http.Get(e.url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, healthResponse{Status: "ok", Connected: true}, health)
}

func TestServer_Metrics(t *testing.T) {
	e := setup(t)
	e.bridge.PlatformVersion()

	resp, err := http.Get(e.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "purchase_bridge_calls_total")
}

func TestServer_ListenAndCall(t *testing.T) {
	e := setup(t)
	ws := e.dial()

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameTypeListen, Channel: bridge.ChannelAvailableSubscriptions.String()}))
	frame := readFrame(t, ws)
	require.Equal(t, FrameTypeEvent, frame.Type)
	require.Equal(t, bridge.ChannelAvailableSubscriptions.String(), frame.Channel)
	require.Empty(t, productIDs(t, frame.Data))

	args, _ := json.Marshal(map[string]any{"identifiers": []string{monthly.ID}})
	require.NoError(t, ws.WriteJSON(Frame{Type: FrameTypeCall, ID: "1", Method: MethodRefreshProducts, Args: args}))

	frames := readFrames(t, ws, 2)
	require.Equal(t, "1", frames[FrameTypeResult].ID)
	require.Equal(t, []string{monthly.ID}, productIDs(t, frames[FrameTypeEvent].Data))

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameTypeCancel, Channel: bridge.ChannelAvailableSubscriptions.String()}))
	frame = readFrame(t, ws)
	require.Equal(t, FrameTypeEndOfStream, frame.Type)
	require.Equal(t, bridge.ChannelAvailableSubscriptions.String(), frame.Channel)
}

func TestServer_BuyFromConnection(t *testing.T) {
	e := setup(t)
	ws, id := e.connect()

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameTypeListen, Channel: bridge.ChannelPurchasedSubscriptions.String()}))
	require.Empty(t, productIDs(t, readFrame(t, ws).Data))

	args, _ := json.Marshal(map[string]any{"identifiers": []string{monthly.ID}})
	require.NoError(t, ws.WriteJSON(Frame{Type: FrameTypeCall, ID: "1", Method: MethodRefreshProducts, Args: args}))
	require.Equal(t, FrameTypeResult, readFrame(t, ws).Type)

	args, _ = json.Marshal(map[string]any{"productId": monthly.ID})
	require.NoError(t, ws.WriteJSON(Frame{Type: FrameTypeCall, ID: "2", Method: MethodBuy, Args: args}))
	frame := readFrame(t, ws)
	require.Equal(t, FrameTypeResult, frame.Type)
	require.Equal(t, "2", frame.ID)

	launches := e.backend.Launches()
	require.Len(t, launches, 1)
	require.Equal(t, id, launches[0].PresentationID)
	require.Equal(t, "monthly-offer", launches[0].OfferToken)

	_, err := e.backend.CompletePurchase(monthly.ID)
	require.NoError(t, err)

	frame = readFrame(t, ws)
	require.Equal(t, FrameTypeEvent, frame.Type)
	require.Equal(t, []string{monthly.ID}, productIDs(t, frame.Data))
}

func TestServer_BuyLaunchesFromCallingConnection(t *testing.T) {
	e := setup(t)
	a, idA := e.connect()
	b, idB := e.connect()
	require.NotEqual(t, idA, idB)

	frame := e.call(t, a, "1", MethodRefreshProducts, map[string]any{"identifiers": []string{monthly.ID}})
	require.Equal(t, FrameTypeResult, frame.Type)

	// The newest connection does not capture purchase flows of older ones.
	frame = e.call(t, a, "2", MethodBuy, map[string]any{"productId": monthly.ID})
	require.Equal(t, FrameTypeResult, frame.Type)
	frame = e.call(t, b, "3", MethodBuy, map[string]any{"productId": monthly.ID})
	require.Equal(t, FrameTypeResult, frame.Type)

	launches := e.backend.Launches()
	require.Len(t, launches, 2)
	require.Equal(t, idA, launches[0].PresentationID)
	require.Equal(t, idB, launches[1].PresentationID)

	// Closing the newest connection leaves the older one able to buy, and
	// HTTP callers fall back to it.
	require.NoError(t, b.Close())
	frame = e.call(t, a, "4", MethodBuy, map[string]any{"productId": monthly.ID})
	require.Equal(t, FrameTypeResult, frame.Type)

	require.Eventually(t, func() bool {
		code, _ := e.post(t, MethodBuy, `{"productId": "sub_m"}`)
		launches := e.backend.Launches()
		return code == http.StatusOK && launches[len(launches)-1].PresentationID == idA
	}, waitFor, 10*time.Millisecond)

	launches = e.backend.Launches()
	require.Equal(t, idA, launches[2].PresentationID)
}

func TestServer_FrameErrors(t *testing.T) {
	e := setup(t)
	ws := e.dial()

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameTypeListen, Channel: "everything"}))
	frame := readFrame(t, ws)
	require.Equal(t, FrameTypeError, frame.Type)
	require.Equal(t, "InvalidArgument", frame.Error.Code)

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameTypeCall, ID: "9", Method: MethodRefreshProducts}))
	frame = readFrame(t, ws)
	require.Equal(t, FrameTypeError, frame.Type)
	require.Equal(t, "9", frame.ID)
	require.Equal(t, &ErrorBody{Code: "InvalidArgument", Message: "identifiers is null"}, frame.Error)

	require.NoError(t, ws.WriteJSON(Frame{Type: "shout"}))
	frame = readFrame(t, ws)
	require.Equal(t, FrameTypeError, frame.Type)
}

func TestServer_ConnectionCloseReleasesPresentation(t *testing.T) {
	e := setup(t)
	ws := e.dial()

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameTypeCall, ID: "1", Method: MethodGetPlatformVersion}))
	frame := readFrame(t, ws)
	require.Equal(t, "test 1.0", frame.Data)

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		code, _ := e.post(t, MethodBuy, `{"productId": "sub_m"}`)
		return code == http.StatusPreconditionFailed
	}, waitFor, 10*time.Millisecond)
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusOK, httpStatus(codes.OK))
	require.Equal(t, http.StatusServiceUnavailable, httpStatus(codes.Unavailable))
	require.Equal(t, http.StatusNotFound, httpStatus(codes.NotFound))
	require.Equal(t, http.StatusConflict, httpStatus(codes.AlreadyExists))
	require.Equal(t, http.StatusInternalServerError, httpStatus(codes.Internal))
}
