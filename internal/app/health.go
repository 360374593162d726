// Package app provides application use cases.
package app

import (
	"context"
	"time"
)

// HealthUsecase defines the health check use case.
type HealthUsecase interface {
	Handle(ctx context.Context) (HealthResult, error)
}

// HealthResult represents the health check response.
type HealthResult struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Streams  int    `json:"streams"`
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService implements HealthUsecase.
type HealthService struct {
	Version  string
	DB       Pinger
	Sessions StreamLister
}

const pingTimeout = 2 * time.Second

// Handle reports "ok" when the database answers and "degraded" otherwise.
func (s HealthService) Handle(ctx context.Context) (HealthResult, error) {
	res := HealthResult{
		Status:   "ok",
		Version:  s.Version,
		Database: "ok",
	}
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			res.Status = "degraded"
			res.Database = "unreachable"
		}
	}
	if s.Sessions != nil {
		res.Streams = len(s.Sessions.Streams())
	}
	return res, nil
}
