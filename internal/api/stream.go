package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"waflow/internal/events"
)

// SSE event names per bus topic.
var sseNames = map[events.Topic]string{
	events.TopicStatus:           "instance_status",
	events.TopicQR:               "instance_qr",
	events.TopicCampaignProgress: "campaign_progress",
	events.TopicQueueJobUpdate:   "queue_job_update",
	events.TopicOpsLog:           "ops_log",
}

const snapshotLogs = 20

// streamEvents sends the caller's current state and then follows the bus, filtered by owner.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "STREAMING_UNSUPPORTED"})
		return
	}
	owner := ownerFrom(r)
	ctx := r.Context()

	// subscribe before the snapshot so nothing published in between is lost
	sub, unsubscribe := s.Events.Subscribe(64)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(name string, data any) error {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.sendSnapshot(r, owner, send); err != nil {
		log.Warn().Err(err).Str("owner_id", owner).Msg("event stream snapshot")
		return
	}

	ping := time.NewTicker(s.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.OwnerID != owner {
				continue
			}
			if err := send(sseNames[ev.Topic], ev.Data); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendSnapshot(r *http.Request, owner string, send func(string, any) error) error {
	ctx := r.Context()
	list, err := s.Instances.List(ctx, owner)
	if err != nil {
		return err
	}
	for _, in := range list {
		if err := send(sseNames[events.TopicStatus], events.StatusFromSnapshot(in.Snapshot())); err != nil {
			return err
		}
	}

	cs, err := s.Campaigns.List(ctx, owner)
	if err != nil {
		return err
	}
	for _, c := range cs {
		stats, err := s.Campaigns.RecipientStats(ctx, owner, c.ID)
		if err != nil {
			return err
		}
		if err := send(sseNames[events.TopicCampaignProgress], events.CampaignProgressPayload{Campaign: c, Stats: stats}); err != nil {
			return err
		}
	}

	logs, err := s.Logs.ListOpsLogs(ctx, owner, snapshotLogs)
	if err != nil {
		return err
	}
	// oldest first, as they would have arrived live
	for i := len(logs) - 1; i >= 0; i-- {
		if err := send(sseNames[events.TopicOpsLog], logs[i]); err != nil {
			return err
		}
	}
	return nil
}
