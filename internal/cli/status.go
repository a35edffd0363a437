// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status.go - worker and model health check.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeranaias/lingua/internal/config"
	"github.com/jeranaias/lingua/internal/driver"
)

// HandleStatus starts the worker, probes it, and reports health.
func HandleStatus(cfg *config.Config, args Args, logger *slog.Logger) error {
	ApplyColorProfile(cfg.UI.Color)

	fmt.Println(TitleStyle.Render("lingua status"))
	fmt.Println(InfoStyle.Render("Model:   " + effectiveModel(cfg, args)))
	fmt.Println(InfoStyle.Render("Script:  " + cfg.Worker.Script))
	fmt.Println(InfoStyle.Render("Runtime: " + cfg.Worker.Runtime))
	fmt.Println(RenderSeparator())

	drv := buildDriver(cfg, args, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		drv.Shutdown(ctx)
	}()

	startupBudget := time.Duration(cfg.Driver.StartupTimeoutSecs+cfg.Driver.ReadTimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), startupBudget)
	defer cancel()

	// Initialize doubles as a barrier behind the driver's own startup; it
	// returns nil when startup already ran, so check the state explicitly.
	if err := drv.Initialize(ctx); err != nil {
		fmt.Println(RenderStatus("error", "Worker failed to start: "+err.Error()))
		return err
	}
	if st := drv.State(); st != driver.StateReady {
		fmt.Println(RenderStatus("error", "Worker not ready, state: "+st.String()))
		return errors.New("worker not ready")
	}
	fmt.Println(RenderStatus("ok", "Worker running, state: "+drv.State().String()))

	res, err := drv.Ping(ctx)
	if err != nil {
		fmt.Println(RenderStatus("error", "Health probe failed: "+err.Error()))
		return err
	}
	fmt.Println(RenderStatus("ok", "Probe status: "+res.Status))
	if res.ModelLoaded {
		fmt.Println(RenderStatus("ok", "Model loaded"))
	} else {
		fmt.Println(RenderStatus("warn", "Worker is up but no model is loaded"))
	}

	return nil
}
