// Package httpserver is the admin REST surface: health, Prometheus metrics,
// and per-group stats and dead letters of the embedded broker.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	m := metrics.New()
//	s := httpserver.New(rt, m.Handler(), logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8088")
package httpserver
