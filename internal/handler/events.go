package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/sse"
)

// eventStream writes server-sent events for one broker topic.
type eventStream struct {
	broker    *sse.Broker
	heartbeat time.Duration
}

func newEventStream(broker *sse.Broker) *eventStream {
	return &eventStream{broker: broker, heartbeat: sse.HeartbeatInterval}
}

// serve subscribes to topic, writes the snapshot returned by initial as an
// initialType event and then relays every topic event until the client or
// the broker goes away.
func (s *eventStream) serve(w http.ResponseWriter, r *http.Request, topic, initialType string, initial func() any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe returns once the topic is being received, so an event
	// published after the initial one reaches this client.
	client := s.broker.Subscribe(topic)
	defer s.broker.Unsubscribe(client)

	log.Info().Str("topic", topic).Msg("sse connection established")

	if initial != nil {
		if err := sendEvent(w, flusher, initialType, initial()); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("failed to send initial event")
			return
		}
	} else {
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("topic", topic).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("topic", topic).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Str("topic", topic).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("topic", topic).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
