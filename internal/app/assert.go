package app

import (
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/api"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/delivery"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/idempotency"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/objectstore"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/records"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/store"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/thumbnail"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/worker"
)

// The Postgres store backs every persistence interface.
var (
	_ worker.Store           = (*store.Store)(nil)
	_ worker.RecordLister    = (*store.Store)(nil)
	_ worker.ThumbnailSetter = (*store.Store)(nil)
	_ worker.Directory       = (*store.Store)(nil)
	_ delivery.Store         = (*store.Store)(nil)
	_ delivery.FanoutStore   = (*store.Store)(nil)
	_ records.Store          = (*store.Store)(nil)
	_ idempotency.Ledger     = (*store.Store)(nil)
)

var (
	_ worker.Hooks        = (*worker.SideEffects)(nil)
	_ worker.Handler      = (*worker.ExportHandler)(nil)
	_ worker.Handler      = (*worker.DocumentHandler)(nil)
	_ worker.Enqueuer     = (*delivery.Fanout)(nil)
	_ worker.RecordEditor = (*records.Controller)(nil)
	_ worker.Presigner    = (objectstore.Store)(nil)
	_ thumbnail.Renderer  = (*thumbnail.Service)(nil)
	_ api.Presence        = (*records.Presence)(nil)
	_ api.Records         = (*records.Controller)(nil)
)
