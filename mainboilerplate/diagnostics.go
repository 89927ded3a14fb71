package mainboilerplate

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based metrics and debugging services.
type DiagnosticsConfig struct {
	Address string `long:"address" env:"ADDRESS" description:"Address on which to serve /debug/ diagnostics. Diagnostics are not served if empty"`
}

// InitDiagnosticsAndRecover serves metrics and debugging services over HTTP,
// if an Address is configured. It returns
// a closure which should be deferred, which recovers a panic and attempts to
// write a K8s termination message before re-panicking.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	if cfg.Address != "" {
		var mux = http.DefaultServeMux // Package "net/http/pprof" serves /debug/pprof/.

		// Liveness check.
		mux.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/debug/metrics", promhttp.Handler())

		var ln, err = net.Listen("tcp", cfg.Address)
		Must(err, "failed to listen for diagnostics", "address", cfg.Address)

		go func() {
			if err := http.Serve(ln, mux); err != nil {
				log.WithField("err", err).Warn("diagnostics server exited")
			}
		}()
		log.WithField("address", ln.Addr().String()).Info("serving diagnostics")
	}

	return func() {
		if r := recover(); r != nil {
			// Best effort.
			// Bug: https://github.com/kubernetes/kubernetes/issues/31839
			if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
				fmt.Fprintf(f, "%+v", r)
				f.Close()
			}
			panic(r)
		}
	}
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

// k8sTerminationLog is the location to write a termination message for
// Kubernetes to retrieve.
//
// Link: https://kubernetes.io/docs/tasks/debug-application-cluster/determine-reason-pod-failure/#setting-the-termination-log-file
const k8sTerminationLog = "/dev/termination-log"
