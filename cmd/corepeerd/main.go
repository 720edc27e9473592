/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	_ "net/http/pprof"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cachemesh/peercore/acl"
	"github.com/cachemesh/peercore/config"
	"github.com/cachemesh/peercore/corectx"
	"github.com/cachemesh/peercore/icp"
	"github.com/cachemesh/peercore/netdb"
	"github.com/cachemesh/peercore/peer"
	"github.com/cachemesh/peercore/resolve"
	"github.com/cachemesh/peercore/selector"
)

var cfgPath string
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "corepeerd",
	Short: "ICP/HTCP peer selection daemon",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
}

func run(cmd *cobra.Command, args []string) error {
	if cfgPath == "" {
		return fmt.Errorf("corepeerd: --config is required")
	}
	cfg, err := config.ReadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("corepeerd: reading config: %w", err)
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	config.ConfigureLogging(cfg.LogLevel)

	registry, err := peer.NewRegistry(cfg.Peers)
	if err != nil {
		return fmt.Errorf("corepeerd: building peer registry: %w", err)
	}

	var rules []*acl.Rule
	for _, r := range cfg.ACL {
		rule, err := acl.NewRule(r.Name, config.ACLPolicy(r.Policy), r.Expression, r.RequiresAuth)
		if err != nil {
			return fmt.Errorf("corepeerd: compiling acl rule %q: %w", r.Name, err)
		}
		rules = append(rules, rule)
	}
	gate := acl.NewGate(rules, nil)

	host, portStr, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return fmt.Errorf("corepeerd: parsing listen address %q: %w", cfg.Listen, err)
	}
	listenPort, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("corepeerd: parsing listen port %q: %w", portStr, err)
	}
	listenIP := net.ParseIP(host)
	if listenIP == nil {
		listenIP = net.IPv4zero
	}

	sel := selector.Config{
		MinimumDirectHops:     cfg.MinimumDirectHops,
		MinimumDirectRTT:      cfg.MinimumDirectRTT,
		ForwardMaxTries:       cfg.ForwardMaxTries,
		ICPHitStale:           cfg.ICPHitStale,
		QueryICMP:             cfg.QueryICMP,
		TestReachability:      cfg.TestReachability,
		PreferDirect:          cfg.PreferDirect,
		NonhierarchicalDirect: cfg.NonhierarchicalDirect,
		ClientDstPassthru:     cfg.ClientDstPassthru,
		Host:                  host,
		DefaultTimeout:        cfg.DefaultTimeout,
		HTTPPort:              cfg.HTTPPort,
	}

	ctx := corectx.New(corectx.Options{
		Registry: registry,
		Gate:     gate,
		Resolver: resolve.New(cfg.DefaultTimeout),
		NetDB:    netdb.New(),
		Config:   sel,
	})

	msngr, err := icp.NewMessenger(listenIP, listenPort, ctx, ctx)
	if err != nil {
		log.Warnf("corepeerd: ICP messenger disabled: %v", err)
	} else {
		ctx.SetMessenger(msngr)
		defer msngr.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go reportSysStats(ctx)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.MonitoringPort)
		log.Infof("corepeerd: monitoring listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("corepeerd: monitoring server exited: %v", err)
		}
	}()

	log.Infof("corepeerd: ready with %d peers", registry.NeighborsCount())
	if err := sdNotifyReady(); err != nil {
		log.Warnf("corepeerd: sd_notify failed: %v", err)
	}
	select {}
}

// reportSysStats logs the process's own resource usage every 30s, the same
// cadence the teacher's sptp client aggregates runtime metrics at.
func reportSysStats(ctx *corectx.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stats, err := ctx.CollectSysStats()
		if err != nil {
			log.Warnf("corepeerd: collecting sys stats: %v", err)
			continue
		}
		log.Debugf("corepeerd: uptime=%ds cpu=%.1f%% rss=%dB goroutines=%d",
			stats.UptimeSeconds, stats.CPUPercent, stats.RSSBytes, stats.NumGoroutine)
	}
}

// sdNotifyReady tells systemd the daemon finished startup, a no-op outside
// a unit with Type=notify (NOTIFY_SOCKET unset).
func sdNotifyReady() error {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		return err
	} else if !supported {
		log.Debug("corepeerd: sd_notify not supported")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
