package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

/*
Params file example (fractions of the option premium):

take_profit_pct: 0.30
stop_loss_pct: 0.15
*/

type Params struct {
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
}

func LoadParams(path string) (Params, error) {
	var params Params
	data, err := os.ReadFile(path)
	if err != nil {
		return params, err
	}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("parse params %s: %w", path, err)
	}
	return params, nil
}
