// Package bootstrap composes the watchpost pipeline from configuration and
// manages its lifecycle.
//
// Usage:
//
//	cfg, err := bootstrap.InitConfig(configFile)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger, sugar, err := bootstrap.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
//	...
//	app, err := bootstrap.NewApp(ctx, cfg, logger, sugar)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for shutdown signal
//	app.WaitForShutdown(ctx)
package bootstrap
