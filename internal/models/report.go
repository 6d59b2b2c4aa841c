package models

import (
	"errors"
	"time"
)

// Report is the persisted outcome of one backtest. Found is false when no
// liquidation ever succeeded; TokenDown is then meaningless and left at zero.
type Report struct {
	ID         string     `json:"id"`
	Address    string     `json:"address"`
	Provider   string     `json:"provider"`
	StartBlock int64      `json:"start_block"`
	EndBlock   int64      `json:"end_block"`
	Financials Financials `json:"financials"`
	TokenDown  float64    `json:"token_down"`
	Found      bool       `json:"found"`
	Samples    int        `json:"samples"`
	Triggered  int        `json:"triggered"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate checks report field constraints.
func (r *Report) Validate() error {
	if r.ID == "" {
		return errors.New("report ID must not be empty")
	}
	if r.Address == "" {
		return errors.New("token address must not be empty")
	}
	if r.Provider == "" {
		return errors.New("provider must not be empty")
	}
	if r.EndBlock < r.StartBlock {
		return errors.New("end block must be >= start block")
	}
	if err := r.Financials.Validate(); err != nil {
		return err
	}
	if r.TokenDown < 0 {
		return errors.New("token down must not be negative")
	}
	if !r.Found && r.TokenDown != 0 {
		return errors.New("token down must be zero when no liquidation was found")
	}
	if r.Triggered > r.Samples {
		return errors.New("triggered start indices cannot exceed samples")
	}
	return nil
}
