// Package config loads sharepipe configuration. Default() is the baseline,
// Load overlays a JSON or YAML file, LoadDotEnv and FromEnv overlay the
// environment, and Validate checks the result.
//
// Example:
//
//	_ = config.LoadDotEnv()
//	cfg, err := config.Load("/etc/sharepipe.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
