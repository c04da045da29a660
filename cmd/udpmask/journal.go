package main

import (
	"github.com/matst80/udpmask/internal/journal"
	"github.com/matst80/udpmask/internal/obs"
	"github.com/matst80/udpmask/internal/proto"
)

// newJournal picks the flow journal backend from configuration.
func newJournal(cfg *Config, inst proto.Instance) (journal.Journal, error) {
	if cfg.RedisAddr == "" {
		obs.Info("journal.backend", obs.Fields{"type": "none"})
		return journal.Nop{}, nil
	}
	obs.Info("journal.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
	q, err := journal.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, inst)
	if err != nil {
		return nil, err
	}
	obs.Info("journal.instance", obs.Fields{"id": q.Instance()})
	return q, nil
}
