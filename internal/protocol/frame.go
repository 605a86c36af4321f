// Package protocol decodes feed frames into a closed set of frame types and
// builds the outbound commands.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketlens/models"
)

var (
	ErrNotObject   = errors.New("frame is not a JSON object")
	ErrMissingData = errors.New("table frame has no data array")
)

// Frame is one decoded inbound message. The concrete type is one of
// TableFrame, SubscribeFrame, ErrorFrame, InfoFrame, PongFrame or
// UnknownFrame.
type Frame interface {
	Kind() string
}

// TableFrame carries rows for a table. Data is decoded on demand with
// Levels or Trades since its row schema depends on the table.
type TableFrame struct {
	Table  string
	Action models.Action
	Data   json.RawMessage
}

type SubscribeFrame struct {
	Success   bool
	Subscribe string
}

// ErrorFrame is a feed reported error. RetryAfter is only meaningful when
// HasRetryAfter is set.
type ErrorFrame struct {
	Error         string
	Status        int
	RetryAfter    time.Duration
	HasRetryAfter bool
}

type InfoFrame struct {
	Info    string
	Version string
}

type PongFrame struct{}

// UnknownFrame is a well formed object that matches no known shape.
type UnknownFrame struct {
	Raw json.RawMessage
}

func (TableFrame) Kind() string     { return "table" }
func (SubscribeFrame) Kind() string { return "subscribe" }
func (ErrorFrame) Kind() string     { return "error" }
func (InfoFrame) Kind() string      { return "info" }
func (PongFrame) Kind() string      { return "pong" }
func (UnknownFrame) Kind() string   { return "unknown" }

// envelope records which discriminating keys are present.
type envelope struct {
	Table     *string         `json:"table"`
	Action    *string         `json:"action"`
	Data      json.RawMessage `json:"data"`
	Success   *bool           `json:"success"`
	Subscribe string          `json:"subscribe"`
	Error     *string         `json:"error"`
	Status    int             `json:"status"`
	Meta      *errorMeta      `json:"meta"`
	Info      *string         `json:"info"`
	Version   string          `json:"version"`
}

type errorMeta struct {
	RetryAfter *float64 `json:"retryAfter"`
}

// Decode classifies a raw frame. Table frames win over system frames when
// both sets of keys are present.
func Decode(raw []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if string(trimmed) == "pong" {
		return PongFrame{}, nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch {
	case env.Table != nil && env.Action != nil:
		if *env.Table == "" {
			return nil, fmt.Errorf("decode frame: empty table name")
		}
		data := bytes.TrimSpace(env.Data)
		if len(data) == 0 || data[0] != '[' {
			return nil, fmt.Errorf("table %s: %w", *env.Table, ErrMissingData)
		}
		return TableFrame{Table: *env.Table, Action: models.Action(*env.Action), Data: env.Data}, nil
	case env.Error != nil:
		frame := ErrorFrame{Error: *env.Error, Status: env.Status}
		if env.Meta != nil && env.Meta.RetryAfter != nil && *env.Meta.RetryAfter >= 0 {
			frame.RetryAfter = time.Duration(*env.Meta.RetryAfter * float64(time.Second))
			frame.HasRetryAfter = true
		}
		return frame, nil
	case env.Success != nil:
		return SubscribeFrame{Success: *env.Success, Subscribe: env.Subscribe}, nil
	case env.Info != nil:
		return InfoFrame{Info: *env.Info, Version: env.Version}, nil
	default:
		return UnknownFrame{Raw: append(json.RawMessage(nil), trimmed...)}, nil
	}
}

// Levels decodes the rows of an order book table.
func (f TableFrame) Levels() ([]models.PriceLevel, error) {
	var rows []models.PriceLevel
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode %s rows: %w", f.Table, err)
	}
	return rows, nil
}

// Trades decodes the rows of the trade table.
func (f TableFrame) Trades() ([]models.Trade, error) {
	var rows []models.Trade
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode %s rows: %w", f.Table, err)
	}
	for i, row := range rows {
		if row.TrdMatchID == "" {
			return nil, fmt.Errorf("decode %s rows: row %d has no trdMatchID", f.Table, i)
		}
	}
	return rows, nil
}
