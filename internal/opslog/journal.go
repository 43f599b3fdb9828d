package opslog

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"waflow/internal/domain"
	"waflow/internal/events"
)

type Appender interface {
	AppendOpsLog(ctx context.Context, e domain.OpsLogEntry) (domain.OpsLogEntry, error)
}

// Journal persists audit entries, mirrors them to the process log and publishes them on the bus.
type Journal struct {
	store Appender
	bus   events.Publisher
}

func New(store Appender, bus events.Publisher) *Journal {
	return &Journal{store: store, bus: bus}
}

// Record appends e. A store failure is logged and returned; the event is still published.
func (j *Journal) Record(ctx context.Context, e domain.OpsLogEntry) error {
	saved, err := j.store.AppendOpsLog(ctx, e)
	if err != nil {
		log.Error().Err(err).Str("type", e.Type).Msg("append ops log")
		saved = e
	}

	ev := log.WithLevel(zerologLevel(saved.Level)).
		Str("type", saved.Type).
		Str("owner_id", saved.OwnerID)
	if saved.InstanceID != "" {
		ev = ev.Str("instance_id", saved.InstanceID)
	}
	if saved.CampaignID != "" {
		ev = ev.Str("campaign_id", saved.CampaignID)
	}
	if len(saved.Meta) > 0 {
		ev = ev.Fields(saved.Meta)
	}
	ev.Msg(saved.Message)

	if j.bus != nil {
		j.bus.Publish(events.Event{Topic: events.TopicOpsLog, OwnerID: saved.OwnerID, Time: saved.CreatedAt, Data: saved})
	}
	return err
}

func (j *Journal) Info(ctx context.Context, e domain.OpsLogEntry) error {
	e.Level = domain.LevelInfo
	return j.Record(ctx, e)
}

func (j *Journal) Warn(ctx context.Context, e domain.OpsLogEntry) error {
	e.Level = domain.LevelWarning
	return j.Record(ctx, e)
}

func (j *Journal) Error(ctx context.Context, e domain.OpsLogEntry) error {
	e.Level = domain.LevelError
	return j.Record(ctx, e)
}

func zerologLevel(l domain.LogLevel) zerolog.Level {
	switch l {
	case domain.LevelError:
		return zerolog.ErrorLevel
	case domain.LevelWarning:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
