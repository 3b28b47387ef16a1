package controllers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/sharepipe/internal/config"
	"github.com/rzbill/sharepipe/internal/runtime"
	"github.com/rzbill/sharepipe/internal/sharequeue"
)

const (
	defaultDLQLimit = 100
	maxDLQLimit     = 1000
)

// TopicsController exposes share-group state of the embedded broker.
type TopicsController struct {
	rt *runtime.Runtime
}

func NewTopicsController(rt *runtime.Runtime) *TopicsController {
	return &TopicsController{rt: rt}
}

// RegisterRoutes mounts the /v1/topics endpoints.
func (c *TopicsController) RegisterRoutes(r chi.Router) {
	r.Route("/v1/topics", func(r chi.Router) {
		r.Use(c.localOnly)
		r.Get("/", c.handleList)
		r.Get("/{topic}/groups/{group}/stats", c.handleStats)
		r.Get("/{topic}/groups/{group}/dlq", c.handleDLQ)
	})
}

// localOnly rejects requests when traffic flows through Kafka, since the
// embedded broker then holds nothing.
func (c *TopicsController) localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.rt.TransportName() != config.TransportLocal {
			writeError(w, http.StatusNotImplemented, "share-group state is only available with the local transport")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type topicInfo struct {
	Name     string   `json:"name"`
	Groups   []string `json:"groups"`
	Retained int      `json:"retained"`
}

func (c *TopicsController) handleList(w http.ResponseWriter, r *http.Request) {
	topics := c.rt.Broker().Topics()
	out := make([]topicInfo, 0, len(topics))
	for _, t := range topics {
		n, err := t.Retained()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to count records")
			return
		}
		out = append(out, topicInfo{Name: t.Name(), Groups: t.Groups(), Retained: n})
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": out})
}

func (c *TopicsController) handleStats(w http.ResponseWriter, r *http.Request) {
	t, ok := c.topic(w, r)
	if !ok {
		return
	}
	st, err := t.Stats(chi.URLParam(r, "group"))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (c *TopicsController) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r, defaultDLQLimit, maxDLQLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	t, ok := c.topic(w, r)
	if !ok {
		return
	}
	items, err := t.DeadLetters(chi.URLParam(r, "group"), limit)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	out := make([]deadLetterView, 0, len(items))
	for _, d := range items {
		out = append(out, newDeadLetterView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// deadLetterView renders keys as text and JSON payloads inline.
type deadLetterView struct {
	ID            string `json:"id"`
	Key           string `json:"key"`
	Value         any    `json:"value"`
	PublishedMs   int64  `json:"published_ms"`
	DeliveryCount int    `json:"delivery_count"`
	ArchivedAtMs  int64  `json:"archived_at_ms"`
	Reason        string `json:"reason"`
}

func newDeadLetterView(d sharequeue.DeadLetter) deadLetterView {
	var value any = string(d.Value)
	if json.Valid(d.Value) {
		value = json.RawMessage(d.Value)
	}
	return deadLetterView{
		ID:            d.ID,
		Key:           string(d.Key),
		Value:         value,
		PublishedMs:   d.PublishedMs,
		DeliveryCount: d.DeliveryCount,
		ArchivedAtMs:  d.ArchivedAtMs,
		Reason:        d.Reason,
	}
}

func (c *TopicsController) topic(w http.ResponseWriter, r *http.Request) (*sharequeue.Topic, bool) {
	t, err := c.rt.Broker().Lookup(chi.URLParam(r, "topic"))
	if err != nil {
		writeBrokerError(w, err)
		return nil, false
	}
	return t, true
}

func writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sharequeue.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sharequeue.ErrUnknownGroup), errors.Is(err, sharequeue.ErrUnknownTopic):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sharequeue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
