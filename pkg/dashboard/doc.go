// Package dashboard provides a reusable QA run dashboard that can be embedded into other Go applications.
//
// # Overview
//
// The dashboard submits exploratory test runs to a QA agent backend and tracks the single
// active run. Progress arrives over two channels at once: a WebSocket push channel and a
// once-per-second status poll. Both feed one reconciler, which merges them into a single
// snapshot, keeps a terminal status sticky and refreshes the bug history exactly once
// when the run ends.
//
// # Basic Usage
//
// Create a dashboard programmatically:
//
//	cfg := &dashboard.Config{
//		Server: dashboard.ServerConfig{
//			Port:        8080,
//			ReadTimeout: 30 * time.Second,
//		},
//		Backend: dashboard.BackendConfig{
//			URL: "http://localhost:8000",
//		},
//		Presets: []dashboard.Preset{
//			{Name: "smoke", Request: dashboard.RunRequest{TestURL: "https://example.com"}},
//		},
//		Logging: dashboard.LoggingConfig{
//			Level:  "info",
//			Format: "json",
//		},
//	}
//
//	d, err := dashboard.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := d.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Using with Existing HTTP Server
//
// Mount the dashboard API in an existing server and release it with Close:
//
//	d, err := dashboard.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer d.Close()
//
//	http.Handle("/qa/", http.StripPrefix("/qa", d.Handler()))
//	http.ListenAndServe(":8080", nil)
//
// # Environment-based Configuration
//
// Load an optional YAML file, then environment variables (QA_API_URL, QA_API_TOKEN,
// PORT, POLL_INTERVAL, POLL_CEILING, PRESETS_FILE and friends):
//
//	d, err := dashboard.NewFromEnv(os.Getenv("CONFIG_FILE"))
//
// # Direct Service Access
//
// Drive runs without HTTP:
//
//	svc := d.Service()
//
//	job, err := svc.StartRun(ctx, dashboard.RunRequest{TestURL: "https://example.com"})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	err = svc.WatchRun(ctx, func(j dashboard.Job) error {
//		fmt.Println(j.ID, j.Status)
//		return nil
//	})
package dashboard
