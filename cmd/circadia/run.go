package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"circadia/internal/attention"
	"circadia/internal/circadian"
	"circadia/internal/config"
	"circadia/internal/events"
	"circadia/internal/fleet"
	"circadia/internal/store"
	"circadia/internal/wta"
)

// configAgent is the minimal handle for agents declared in configuration.
// External runtimes register richer handles through the fleet API.
type configAgent struct{ id string }

func (a configAgent) AgentID() string { return a.id }

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkspace(workspace)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(storePath(cfg))
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus()

	sched, err := buildScheduler(cfg, bus)
	if err != nil {
		return err
	}
	defer sched.Dispose()

	if snap, ok, err := st.LoadScheduler(ctx); err != nil {
		return err
	} else if ok {
		if err := sched.Restore(snap); err != nil {
			return fmt.Errorf("restoring cycle state: %w", err)
		}
		logger.Info("Resumed mid-cycle",
			zap.String("phase", snap.Phase),
			zap.Float64("cycle_time_ms", snap.CycleTimeMs))
	}

	ws, err := attention.New(attention.Config{
		Capacity:  cfg.Attention.Capacity,
		Threshold: cfg.Attention.Threshold,
		DecayRate: cfg.Attention.DecayRate,
	})
	if err != nil {
		return err
	}
	if items, ok, err := st.LoadWorkspace(ctx); err != nil {
		return err
	} else if ok {
		ws.Restore(items)
	}

	mgr, err := buildManager(cfg, sched, bus)
	if err != nil {
		return err
	}
	if err := registerAgents(ctx, cfg, mgr); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(workspace, func(next *config.Config) {
		// Live edits to agents or cycle shape need a restart; only note it.
		logger.Info("Configuration changed on disk; restart to apply",
			zap.Int("agents", len(next.Agents)))
	})
	if err != nil {
		logger.Warn("Config watching unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watching unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	g, gctx := errgroup.WithContext(ctx)

	evCh, cancelSub := bus.Chan(256)
	g.Go(func() error {
		defer cancelSub()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-evCh:
				if !ok {
					return nil
				}
				if err := st.AppendEvent(gctx, ev); err != nil {
					logger.Warn("Event journaling failed", zap.Error(err))
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(snapshotEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				persist(gctx, st, sched, ws)
			}
		}
	})

	// Attention competition runs on the fleet cadence: decay every tick,
	// dropping residents that fall below the salience threshold.
	tick, err := cfg.Fleet.ParseTickInterval()
	if err != nil {
		return err
	}
	g.Go(func() error {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				ws.Compete()
			}
		}
	})

	logger.Info("circadia running",
		zap.String("phase", sched.Phase().String()),
		zap.Float64("period_ms", cfg.Cycle.PeriodMs),
		zap.Int("agents", len(cfg.Agents)))

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := g.Wait(); err != nil {
		logger.Warn("Background worker failed", zap.Error(err))
	}

	// Final snapshot under a fresh context; the run context is cancelled.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	persist(flushCtx, st, sched, ws)
	if err := st.PruneEvents(flushCtx, 10_000); err != nil {
		logger.Warn("Event pruning failed", zap.Error(err))
	}

	stats := mgr.Stats()
	logger.Info("Fleet summary",
		zap.Int64("sleeps", stats.Sleeps),
		zap.Int64("wakes", stats.Wakes),
		zap.Float64("saved_ms", stats.SavedMs),
		zap.Float64("avg_duty_factor", stats.AverageDutyFactor))
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkspace(workspace)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(storePath(cfg))
	if err != nil {
		return err
	}
	defer st.Close()

	sched, err := buildScheduler(cfg, nil)
	if err != nil {
		return err
	}
	defer sched.Dispose()

	if snap, ok, err := st.LoadScheduler(ctx); err != nil {
		return err
	} else if ok {
		if err := sched.Restore(snap); err != nil {
			return err
		}
	}

	if err := st.SaveScheduler(ctx, sched.Snapshot()); err != nil {
		return err
	}
	if items, ok, err := st.LoadWorkspace(ctx); err != nil {
		return err
	} else if ok {
		if err := st.SaveWorkspace(ctx, items); err != nil {
			return err
		}
	} else if err := st.SaveWorkspace(ctx, nil); err != nil {
		return err
	}

	fmt.Printf("Snapshot saved: phase=%s cycle_time=%.0fms\n",
		sched.Phase(), sched.CycleTime())
	return nil
}

func storePath(cfg *config.Config) string {
	p := cfg.Store.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(workspace, p)
	}
	return p
}

func persist(ctx context.Context, st *store.Store, sched *circadian.Scheduler, ws *attention.Workspace) {
	if err := st.SaveScheduler(ctx, sched.Snapshot()); err != nil {
		logger.Warn("Scheduler snapshot failed", zap.Error(err))
	}
	if err := st.SaveWorkspace(ctx, ws.Snapshot()); err != nil {
		logger.Warn("Workspace snapshot failed", zap.Error(err))
	}
}

// buildScheduler maps the cycle configuration onto a scheduler, attaching a
// lazily built competition primitive when the competition strategy is
// selected.
func buildScheduler(cfg *config.Config, bus *events.Bus) (*circadian.Scheduler, error) {
	initial, err := circadian.ParsePhase(cfg.Cycle.InitialPhase)
	if err != nil {
		return nil, err
	}

	scfg := circadian.Config{
		PeriodMs:     cfg.Cycle.PeriodMs,
		HysteresisMs: cfg.Cycle.HysteresisMs,
		EnergyBudget: cfg.Cycle.EnergyBudget,
		InitialPhase: initial,
		Strategy:     circadian.StrategyLookup,
		Phases:       make(map[circadian.Phase]circadian.PhaseConfig, len(cfg.Cycle.Phases)),
	}
	for name, pc := range cfg.Cycle.Phases {
		p, err := circadian.ParsePhase(name)
		if err != nil {
			return nil, err
		}
		scfg.Phases[p] = circadian.PhaseConfig{
			Duration:            pc.Duration,
			DutyFactor:          pc.DutyFactor,
			ImportanceThreshold: pc.ImportanceThreshold,
			AllowLearning:       pc.AllowLearning,
			AllowConsolidation:  pc.AllowConsolidation,
			AllowCompute:        pc.AllowCompute,
		}
	}

	var comp wta.Competitor
	if cfg.Cycle.Strategy == "competition" {
		scfg.Strategy = circadian.StrategyCompetition
		comp = wta.NewLazy(func() (wta.Competitor, error) {
			// One unit per phase.
			return wta.New(len(scfg.Phases), cfg.Reflex.WTAThreshold, cfg.Reflex.Inhibition)
		})
	}

	return circadian.New(scfg, comp, bus)
}

func buildManager(cfg *config.Config, sched *circadian.Scheduler, bus *events.Bus) (*fleet.Manager, error) {
	tick, err := cfg.Fleet.ParseTickInterval()
	if err != nil {
		return nil, err
	}
	return fleet.New(fleet.Config{
		TickInterval:       tick,
		SavingsMilestoneMs: cfg.Fleet.SavingsMilestone,
	}, sched, bus)
}

func registerAgents(ctx context.Context, cfg *config.Config, mgr *fleet.Manager) error {
	for _, ac := range cfg.Agents {
		crit, err := fleet.ParseCriticality(ac.Criticality)
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.ID, err)
		}
		policy := fleet.Policy{
			Criticality:        crit,
			MinActiveFraction:  ac.MinActiveFraction,
			CanRest:            ac.CanRest,
			DutyFactorOverride: ac.DutyFactorOverride,
		}
		if err := mgr.Register(ctx, configAgent{id: ac.ID}, policy); err != nil {
			return err
		}
	}
	return nil
}
