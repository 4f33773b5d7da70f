package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	kixdns "github.com/aldenmercer/kixdns"
	"github.com/spf13/cobra"
)

type options struct {
	configPath    string
	listenerLabel string
	debug         bool
	udpWorkers    int
	adminAddr     string
	geoDBPath     string
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "kixdns",
		Short: "Pipeline-driven recursive DNS forwarder with adaptive caching and prefetch",
		Long: `kixdns forwards DNS queries through ordered, JSON-configured
pipelines of matchers and actions, caching responses by a fingerprint of
pipeline, qname and qtype, prefetching hot and CDN-related records ahead of
expiry, and shedding load via an adaptive upstream flow-control gate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&opt.configPath, "config", "c", "config/pipeline.json", "pipeline config file path")
	cmd.Flags().StringVar(&opt.listenerLabel, "listener-label", "default", "listener instance label, used by pipeline_select")
	cmd.Flags().BoolVar(&opt.debug, "debug", false, "enable debug logging")
	cmd.Flags().IntVar(&opt.udpWorkers, "udp-workers", 0, "number of UDP worker goroutines (0 = one per CPU)")
	cmd.Flags().StringVar(&opt.adminAddr, "admin-addr", "", "bind address for the admin/metrics HTTP listener (disabled if empty)")
	cmd.Flags().StringVar(&opt.geoDBPath, "geo-db", "", "path to a MaxMind GeoIP2/GeoLite2 country mmdb for client_geo matchers")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options) error {
	kixdns.ConfigureLogging(opt.debug)

	raw, err := os.ReadFile(opt.configPath)
	if err != nil {
		return err
	}
	cfg, err := kixdns.LoadConfig(raw)
	if err != nil {
		return err
	}
	rtc, err := kixdns.CompileConfig(cfg, opt.geoDBPath)
	if err != nil {
		return err
	}

	engine := kixdns.NewEngineFromSettings(rtc, opt.listenerLabel)

	if cfg.Settings.SyslogAddress != "" {
		sink, err := kixdns.NewSyslogSink(cfg.Settings.SyslogNetwork, cfg.Settings.SyslogAddress, cfg.Settings.SyslogTag)
		if err != nil {
			kixdns.Log.WithError(err).Warn("syslog sink disabled")
		} else {
			engine.SetSyslogSink(sink)
		}
	}

	reloadCtl, err := kixdns.NewReloadController(opt.configPath, opt.geoDBPath, engine)
	if err != nil {
		return err
	}
	stopReload := make(chan struct{})
	go reloadCtl.Run(stopReload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	udpListener := kixdns.NewUDPListener(rtc.Settings.BindUDP, engine, opt.udpWorkers, opt.listenerLabel)
	tcpListener := kixdns.NewTCPListener(rtc.Settings.BindTCP, engine, opt.listenerLabel)

	errCh := make(chan error, 3)
	go func() { errCh <- udpListener.Start(ctx) }()
	go func() { errCh <- tcpListener.Start(ctx) }()

	var adminListener *kixdns.AdminListener
	if opt.adminAddr != "" {
		adminListener = kixdns.NewAdminListener(opt.adminAddr, opt.listenerLabel)
		go func() { errCh <- adminListener.Start() }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		kixdns.Log.WithField("signal", sig).Info("shutting down")
		close(stopReload)
		cancel()
		if adminListener != nil {
			_ = adminListener.Stop()
		}
		return nil
	case err := <-errCh:
		close(stopReload)
		cancel()
		return err
	}
}
