package gateway

import (
	"io"
	"log/slog"
	"net/http"
)

// httpClientConn adapts one in-flight HTTP request to the ClientConn
// capability. Each request gets its own connection id; the done channel
// rejoins the dispatcher's completion callback with the handler goroutine.
type httpClientConn struct {
	id   int
	done chan struct{}
}

func (c *httpClientConn) ID() int        { return c.id }
func (c *httpClientConn) Type() ConnType { return ConnTypeHTTP }

func (c *httpClientConn) OnFuncCallFinished(*FuncCallContext) {
	close(c.done)
}

// HTTPFront serves client traffic: POST /function/{name} invokes a function
// synchronously, POST /function/{name}?async=1 acknowledges on accept.
type HTTPFront struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewHTTPFront(dispatcher *Dispatcher, logger *slog.Logger) *HTTPFront {
	return &HTTPFront{
		dispatcher: dispatcher,
		logger:     logger.With("component", "http_front"),
	}
}

// Handler returns the front's request mux.
func (f *HTTPFront) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /function/{name}", f.handleFuncCall)
	return mux
}

func (f *HTTPFront) handleFuncCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	fctx := &FuncCallContext{
		FuncName: r.PathValue("name"),
		Input:    body,
		IsAsync:  r.URL.Query().Get("async") != "",
	}
	conn := &httpClientConn{
		id:   f.dispatcher.AllocConnID(),
		done: make(chan struct{}),
	}
	f.dispatcher.RegisterClientConn(conn)
	f.dispatcher.OnNewCall(conn, fctx)

	// Completion wins over a simultaneous client disconnect; a discard after
	// the callback would leave a stale entry in the discarded set.
	select {
	case <-conn.done:
	default:
		select {
		case <-conn.done:
		case <-r.Context().Done():
			// Client went away with the call outstanding.
			f.dispatcher.DiscardCall(fctx.FuncCall())
			f.dispatcher.UnregisterClientConn(conn.id)
			return
		}
	}
	f.dispatcher.UnregisterClientConn(conn.id)

	switch fctx.Status {
	case StatusSuccess:
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(fctx.Output); err != nil {
			f.logger.Debug("failed to write response", "func_name", fctx.FuncName, "error", err)
		}
	case StatusNotFound:
		http.Error(w, "function not found", http.StatusNotFound)
	case StatusFailed:
		http.Error(w, "function call failed", http.StatusBadGateway)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
