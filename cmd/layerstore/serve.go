package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	mbp "go.layerstore.dev/core/mainboilerplate"
	"go.layerstore.dev/core/metrics"
	"go.layerstore.dev/core/task"
)

type cmdServe struct {
	Interval    time.Duration         `long:"interval" env:"INTERVAL" default:"24h" description:"Interval between rollovers to a new top layer"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd *cmdServe) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	var s = startup()

	log.WithFields(log.Fields{
		"config":   Config,
		"interval": cmd.Interval,
	}).Info("starting layerstore")
	prometheus.MustRegister(metrics.LayerstoreCollectors()...)

	ensureTopLayer(s)

	var tasks = task.NewGroup(context.Background())
	var signalCh = make(chan os.Signal, 1)

	tasks.Queue("watch signals", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
		case <-tasks.Context().Done():
		}
		return nil
	})

	tasks.Queue("rollover", func() error {
		var ticker = time.NewTicker(cmd.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
			case <-tasks.Context().Done():
				return nil
			}
			// Archival of the previous top is reported through Errors.
			var top, _, err = s.Manager.NewTopLayer()
			if err != nil {
				return err
			}
			log.WithField("layer", top.ID()).Info("rolled over to new top layer")
		}
	})

	tasks.Queue("report archive errors", func() error {
		for {
			select {
			case report := <-s.Manager.Errors():
				log.WithFields(log.Fields{
					"layer": report.LayerID,
					"err":   report.Err,
				}).Error("layer archival failed (resubmit with `layers archive`)")
			case <-tasks.Context().Done():
				return nil
			}
		}
	})

	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	tasks.Start()

	var err = tasks.Wait()

	// Closing drains pending archive jobs.
	log.Info("waiting for pending archival")
	s.Close()

	mbp.Must(err, "layerstore task failed")
	log.Info("goodbye")

	return nil
}
