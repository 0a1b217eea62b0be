package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// Reloader re-reads the backing config file on demand and hands out the
// schedule section. The scheduler calls it once per iteration.
type Reloader struct {
	mu sync.Mutex
	v  *viper.Viper
}

// NewReloader wraps a viper instance that already knows its config file.
func NewReloader(v *viper.Viper) *Reloader {
	return &Reloader{v: v}
}

// Schedule re-reads the config file (if one is configured) and returns the
// freshly validated schedule.
func (r *Reloader) Schedule() (ScheduleConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.v.ConfigFileUsed() != "" {
		if err := r.v.ReadInConfig(); err != nil {
			return ScheduleConfig{}, fmt.Errorf("re-read config: %w", err)
		}
	}
	cfg, err := Load(r.v)
	if err != nil {
		return ScheduleConfig{}, err
	}
	return cfg.Schedule, nil
}
