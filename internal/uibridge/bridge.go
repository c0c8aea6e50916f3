// Package uibridge exposes the station to the local contestant UI over HTTP
// and a websocket push channel. The UI itself renders elsewhere; this side
// only serves state and accepts inputs.
package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"contest-station-client/internal/domain"
	"contest-station-client/internal/runtime"
	"contest-station-client/internal/station"
)

// Controller is the station surface the bridge drives.
type Controller interface {
	Overview() station.Overview
	SelectMode(id string) error
	SubmitAnswer(ctx context.Context, values []string) (domain.Outcome, error)
	TriggerBuzzer() error
	Delegate(targetID string) error
	NextQuestion(ctx context.Context) error
	UploadAttachment(ctx context.Context, filename string, data []byte) (string, error)
}

// Bridge implements station.UI and serves the HTTP API. The controller is
// attached after construction because the station itself needs the bridge as
// its UI sink.
type Bridge struct {
	upgrader websocket.Upgrader

	mu         sync.Mutex
	controller Controller
	clients    map[*wsClient]struct{}
}

type wsClient struct {
	send chan outbound
	once sync.Once
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func New() *Bridge {
	return &Bridge{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// SetController attaches the station once it exists.
func (b *Bridge) SetController(c Controller) {
	b.mu.Lock()
	b.controller = c
	b.mu.Unlock()
}

// PublishState pushes a runtime snapshot to every connected UI client.
func (b *Bridge) PublishState(s runtime.Snapshot) {
	b.broadcast(outbound{Type: "state", Payload: s})
}

// Notify pushes a transient notice.
func (b *Bridge) Notify(message string) {
	b.broadcast(outbound{Type: "notice", Payload: map[string]string{"message": message}})
}

// broadcast never blocks on a slow client: the oldest queued message is
// dropped to make room, since only the latest state matters.
func (b *Bridge) broadcast(msg outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- msg:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- msg:
			default:
			}
		}
	}
}

// Router builds the UI-facing route table.
func (b *Bridge) Router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/healthz", b.handleHealth)
	router.GET("/state", b.handleState)
	router.POST("/mode", b.handleMode)
	router.POST("/answer", b.handleAnswer)
	router.POST("/buzzer", b.handleBuzzer)
	router.POST("/delegate", b.handleDelegate)
	router.POST("/next", b.handleNext)
	router.POST("/attachment", b.handleAttachment)
	router.GET("/ws", b.handleWS)
	return router
}

func (b *Bridge) current() (Controller, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.controller, b.controller != nil
}

func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Bridge) handleState(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	c, ok := b.current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("station not ready"))
		return
	}
	writeJSON(w, http.StatusOK, c.Overview())
}

func (b *Bridge) handleMode(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	c, ok := b.current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("station not ready"))
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Mode == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing mode"))
		return
	}
	if err := c.SelectMode(req.Mode); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Overview())
}

func (b *Bridge) handleAnswer(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	c, ok := b.current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("station not ready"))
		return
	}
	var req struct {
		Values []string `json:"values"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("malformed answer body"))
		return
	}
	outcome, err := c.SubmitAnswer(r.Context(), req.Values)
	if err != nil {
		writeError(w, statusForSubmitError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (b *Bridge) handleBuzzer(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	c, ok := b.current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("station not ready"))
		return
	}
	if err := c.TriggerBuzzer(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "buzzed"})
}

func (b *Bridge) handleDelegate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	c, ok := b.current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("station not ready"))
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing target"))
		return
	}
	if err := c.Delegate(req.Target); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delegated"})
}

func (b *Bridge) handleNext(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	c, ok := b.current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("station not ready"))
		return
	}
	if err := c.NextQuestion(r.Context()); err != nil {
		if errors.Is(err, domain.ErrQuestionsExhausted) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "exhausted"})
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "advanced"})
}

// handleAttachment accepts a multipart "file" field, forwards it to the
// upload service and returns the token the UI submits as an answer value.
func (b *Bridge) handleAttachment(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	c, ok := b.current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("station not ready"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("missing file"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, err := c.UploadAttachment(r.Context(), header.Filename, data)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleWS upgrades to a websocket and streams state/notice frames. A single
// writer goroutine owns the connection to avoid concurrent writes.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("uibridge: ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	client := &wsClient{send: make(chan outbound, 16)}
	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.clients, client)
		b.mu.Unlock()
		client.once.Do(func() { close(client.send) })
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range client.send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("uibridge: ws write error: %v", err)
				return
			}
		}
	}()

	if c, ok := b.current(); ok {
		client.send <- outbound{Type: "overview", Payload: c.Overview()}
	}

	// Reads are drained only to detect disconnects; the UI speaks through the
	// HTTP endpoints.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	b.mu.Lock()
	delete(b.clients, client)
	b.mu.Unlock()
	client.once.Do(func() { close(client.send) })
	<-writerDone
}

func statusForSubmitError(err error) int {
	switch {
	case errors.Is(err, domain.ErrAnsweringDisabled),
		errors.Is(err, domain.ErrSubmissionInFlight),
		errors.Is(err, domain.ErrNoQuestion):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEmptyAnswer):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("uibridge: response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
