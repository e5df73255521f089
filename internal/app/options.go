package app

import (
	"alarmsched/internal/config"
	"alarmsched/internal/relay"
	"alarmsched/internal/storage"
)

type Option func(*options)

type options struct {
	hub   *relay.Hub
	host  any
	store storage.Store
	cfgm  *config.ConfigManager
}

// WithHub shares an in-process relay hub between a durable and a transient
// App. Without it each App owns its hub.
func WithHub(h *relay.Hub) Option { return func(o *options) { o.hub = h } }

// WithHost runs the App on an existing alarm host (an alarm.AsyncHost or an
// alarm.CallbackHost). The caller keeps ownership.
func WithHost(host any) Option { return func(o *options) { o.host = host } }

// WithStore shares a ledger store. The caller keeps ownership.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

// WithConfigManager enables live config reload from the manager's file.
func WithConfigManager(m *config.ConfigManager) Option { return func(o *options) { o.cfgm = m } }
