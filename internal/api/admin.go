package api

import (
	"context"
	"runtime"
	"time"

	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/rpc"
)

func (c *Catalog) registerAdmin(reg *rpc.Registry) {
	reg.MustRegister("admin.deleteAllSessions", &rpc.Procedure{
		Kind: rpc.KindMutation,
		Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
			deleted, err := c.store.DeleteAllSessions(ctx)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			c.publish(ctx, events.ChannelSessions, events.TypeSessionDeleted, map[string]any{
				"all":   true,
				"count": deleted,
			})
			return map[string]any{"deleted": deleted}, nil
		},
	})

	reg.MustRegister("admin.getSystemStats", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
			sessions, err := c.store.CountSessions(ctx)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			messages, err := c.store.CountMessages(ctx)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			fileCount, err := c.files.Count(ctx)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			channels, err := c.broker.Channels(ctx)
			if err != nil {
				return nil, rpc.StorageError(err)
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return map[string]any{
				"sessions": sessions,
				"messages": messages,
				"files":    fileCount,
				"events": map[string]any{
					"channels":    len(channels),
					"subscribers": c.broker.SubscriberCount(),
				},
				"bash": map[string]any{
					"processes":   len(c.bash.List()),
					"activeId":    c.bash.GetActiveBashID(),
					"queueLength": c.bash.GetActiveQueueLength(),
				},
				"runtime": map[string]any{
					"goroutines":    runtime.NumGoroutine(),
					"heapAlloc":     mem.HeapAlloc,
					"heapSys":       mem.HeapSys,
					"numGC":         mem.NumGC,
					"uptimeSeconds": int64(time.Since(c.startedAt).Seconds()),
				},
			}, nil
		},
	})

	reg.MustRegister("admin.getHealth", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
			status := "ok"
			checks := map[string]any{"store": "ok", "broker": "ok"}
			if _, err := c.store.CountSessions(ctx); err != nil {
				status = "degraded"
				checks["store"] = err.Error()
			}
			if _, err := c.broker.Channels(ctx); err != nil {
				status = "degraded"
				checks["broker"] = err.Error()
			}
			return map[string]any{
				"status": status,
				"uptime": time.Since(c.startedAt).String(),
				"checks": checks,
			}, nil
		},
	})

	reg.MustRegister("admin.forceGC", &rpc.Procedure{
		Kind: rpc.KindMutation,
		Resolve: func(context.Context, map[string]any) (any, error) {
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			runtime.GC()
			runtime.ReadMemStats(&after)
			return map[string]any{
				"heapBefore": before.HeapAlloc,
				"heapAfter":  after.HeapAlloc,
			}, nil
		},
	})

	reg.MustRegister("admin.getAPIInventory", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"paths": c.registry.Paths()}, nil
		},
	})

	reg.MustRegister("admin.getAPIDocs", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			paths := c.registry.Paths()
			docs := make([]map[string]any, 0, len(paths))
			for _, path := range paths {
				proc, ok := c.registry.Lookup(path)
				if !ok {
					continue
				}
				entry := map[string]any{
					"path":         path,
					"kind":         proc.Kind,
					"subscribable": proc.Subscribe != nil,
					"fetchable":    proc.Resolve != nil,
				}
				if len(proc.InputSchema) > 0 {
					entry["inputSchema"] = proc.InputSchema
				}
				docs = append(docs, entry)
			}
			return map[string]any{"procedures": docs}, nil
		},
	})
}
