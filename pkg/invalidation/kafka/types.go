package kafka

import (
	"errors"
	"fmt"
	"time"

	"github.com/nikmarch/overturemaps-duckdb/internal/core/model"
)

const OpClear = "clear"

// ClearEvent drops the cached file index of one coordinate.
type ClearEvent struct {
	Op      string    `json:"op"`
	Release string    `json:"release"`
	Theme   string    `json:"theme"`
	Type    string    `json:"type"`
	Version uint64    `json:"version"`
	TS      time.Time `json:"ts"`
}

func (e ClearEvent) Coordinate() model.Coordinate {
	return model.Coordinate{Release: e.Release, Theme: e.Theme, Type: e.Type}
}

func (e ClearEvent) Validate() error {
	if e.Op == "" {
		return errors.New("op is required")
	}
	if e.Op != OpClear {
		return fmt.Errorf("unsupported op %q", e.Op)
	}
	return e.Coordinate().Validate()
}
