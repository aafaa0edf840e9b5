package sinks

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"entitysync/logging"
)

// ConsoleSink renders events for humans via a zerolog console writer.
type ConsoleSink struct {
	logger zerolog.Logger
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	writer := zerolog.ConsoleWriter{Out: w, NoColor: !cfg.UseColor, TimeFormat: "15:04:05.000"}
	return &ConsoleSink{logger: zerolog.New(writer).With().Timestamp().Logger()}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	line := s.logger.WithLevel(zerologLevel(event.Severity)).
		Str("event", string(event.Type)).
		Str("actor", formatActor(event.Actor))
	if event.Category != "" {
		line = line.Str("category", event.Category)
	}
	if len(event.Targets) > 0 {
		targets := make([]string, 0, len(event.Targets))
		for _, ref := range event.Targets {
			targets = append(targets, formatActor(ref))
		}
		line = line.Strs("targets", targets)
	}
	if event.Payload != nil {
		line = line.Interface("payload", event.Payload)
	}
	for k, v := range event.Extra {
		line = line.Interface(k, v)
	}
	if event.TraceID != "" {
		line = line.Str("traceId", event.TraceID)
	}
	line.Send()
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func zerologLevel(sev logging.Severity) zerolog.Level {
	switch sev {
	case logging.SeverityDebug:
		return zerolog.DebugLevel
	case logging.SeverityWarn:
		return zerolog.WarnLevel
	case logging.SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func formatActor(ref logging.ActorRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return string(ref.Kind) + ":" + ref.ID
}
