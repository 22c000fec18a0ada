package main

import (
	"net/http"
	"time"

	"github.com/spf13/viper"

	"broadcast-dispatcher/pkg/observability"
)

// simulator serves the provider's template send endpoint so the worker can
// be exercised end to end without a real account.
func main() {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("SIM_ADDR", ":8090")
	v.SetDefault("SIM_LATENCY", 50*time.Millisecond)
	v.SetDefault("SIM_FAILURE_RATE", 0.05)
	v.SetDefault("SIM_NO_ID_RATE", 0.01)
	v.SetDefault("LOG_LEVEL", "info")

	logger := observability.NewLogger(v.GetString("LOG_LEVEL"), v.GetString("LOG_FORMAT"))
	p := &provider{
		latency:     v.GetDuration("SIM_LATENCY"),
		failureRate: v.GetFloat64("SIM_FAILURE_RATE"),
		noIDRate:    v.GetFloat64("SIM_NO_ID_RATE"),
		log:         logger,
	}

	addr := v.GetString("SIM_ADDR")
	logger.Info().Str("addr", addr).Dur("latency", p.latency).
		Float64("failure_rate", p.failureRate).Float64("no_id_rate", p.noIDRate).
		Msg("provider simulator listening")
	srv := &http.Server{Addr: addr, Handler: p.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("simulator failed")
	}
}
