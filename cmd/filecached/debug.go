package main

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof"

	"github.com/arl/statsviz"
)

// startDebugServer serves pprof and a statsviz dashboard on addr, mirroring
// the teacher's dual debug-endpoint setup.
func startDebugServer(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	if err := statsviz.Register(mux, statsviz.Root("/debug/statsviz")); err != nil {
		log.Error("statsviz register failed", "error", err)
		return
	}

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("debug server exited", "error", err)
		}
	}()
}
