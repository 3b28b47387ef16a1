// Package runtime wires storage, the embedded share-group broker and the
// configured queue transport into a single process. It exposes Open/Close,
// basic health checks and topic provisioning.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	_ = rt.EnsureTopics(ctx, cfg.Cohort.LoadTopic)
//	p, _ := rt.Transport().NewProducer("seeder")
//	_ = p.Send(ctx, cfg.Cohort.LoadTopic, "key", []byte(`{}`))
package runtime
