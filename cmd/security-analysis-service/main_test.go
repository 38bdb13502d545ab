package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"securityanalysis/internal/dispatcher"
	"securityanalysis/internal/job"
	"securityanalysis/internal/messaging"
	"securityanalysis/pkg/circuitbreaker"
)

func TestEventRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		webhook string
		want    int
	}{
		{"queue only", "", 1},
		{"queue and webhook", "https://hooks.example.com/dsa", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			routes := eventRoutes(tt.webhook)
			if len(routes) != 4 {
				t.Fatalf("got %d routes, want 4", len(routes))
			}
			for eventType, dests := range routes {
				if len(dests) != tt.want {
					t.Errorf("%s: %d destinations, want %d", eventType, len(dests), tt.want)
				}
				if tt.webhook != "" && dests[len(dests)-1] != tt.webhook {
					t.Errorf("%s: webhook missing from %v", eventType, dests)
				}
			}
			if got := routes[job.EventTypeCancelled][0]; got != dispatcher.QueueScheme+messaging.SubjectStopped {
				t.Errorf("cancelled route = %q", got)
			}
			if got := routes[job.EventTypeResult][0]; got != dispatcher.QueueScheme+messaging.SubjectResult {
				t.Errorf("result route = %q", got)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestUpstreamCheck(t *testing.T) {
	t.Parallel()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour})
	check := upstreamCheck(breakers)

	if err := check(context.Background()); err != nil {
		t.Fatalf("check with no breakers = %v", err)
	}
	breakers.Get("actions").RecordFailure()
	if err := check(context.Background()); err == nil {
		t.Error("expected an error while the actions breaker is open")
	}
}
