/*
Copyright 2024 The Riverine Authors

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
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverine/focus/pkg/api"
	"github.com/riverine/focus/pkg/common"
	"github.com/riverine/focus/pkg/config"
	"github.com/riverine/focus/pkg/focus"
	"github.com/riverine/focus/pkg/metrics"
	"github.com/riverine/focus/pkg/profiling"
	"github.com/riverine/focus/pkg/telemetry"
	"github.com/riverine/focus/pkg/xmpp"
	"github.com/sirupsen/logrus"
)

// Version is stamped by the build.
var Version = "dev"

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		host           = flag.String("host", "", "XMPP server host (overrides config)")
		port           = flag.Int("port", 0, "XMPP server component port (overrides config)")
		domain         = flag.String("domain", "", "XMPP domain the focus serves under (overrides config)")
		subdomain      = flag.String("subdomain", "", "component subdomain, combined with --domain")
		secret         = flag.String("secret", "", "component secret (prefer the COMPONENT_SECRET environment variable)")
		userDomain     = flag.String("user_domain", "", "deprecated, client-mode connections are not supported")
		userName       = flag.String("user_name", "", "deprecated, client-mode connections are not supported")
		userPassword   = flag.String("user_password", "", "deprecated, client-mode connections are not supported")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	if *userDomain != "" || *userName != "" || *userPassword != "" {
		logrus.Warn("the user_domain/user_name/user_password flags are ignored, the focus connects as a component")
	}

	// Define functions that are called before exiting.
	// This is useful to stop the profiler if it's enabled.
	deferredFunctions := []func(){}
	if *cpuProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitCPUProfiling(cpuProfile))
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitMemoryProfiling(memProfile))
	}

	// Load the config file from the environment variable or path.
	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}
	applyFlagOverrides(cfg, *host, *port, *domain, *subdomain, *secret)

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if cfg.Telemetry.Enabled() {
		provider, err := telemetry.Setup(cfg.Telemetry)
		if err != nil {
			logrus.WithError(err).Fatal("could not set up telemetry")
			return
		}
		deferredFunctions = append(deferredFunctions, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(ctx)
		})
	}

	// Connect to the XMPP server as an external component. Losing the stream
	// later is fatal; the process restarts rather than reconnecting.
	component := xmpp.NewComponent(cfg.Component)
	disconnected := make(chan struct{}, 1)
	component.HandleDisconnect(func() {
		select {
		case disconnected <- struct{}{}:
		default:
		}
	})
	if err := component.Connect(); err != nil {
		logrus.WithError(err).Fatal("could not connect to the XMPP server")
		return
	}

	service := focus.NewService(component, cfg.Focus, common.SystemClock{})
	service.Start()

	server := api.NewServer(service, metrics.New(service), Version, cfg.API)
	server.Start()

	logrus.WithField("domain", cfg.Component.Domain).Info("focus is running")

	// Block until a signal arrives or the XMPP stream dies, then tear
	// everything down in order.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	select {
	case <-signals:
		logrus.Info("shutting down")
	case <-disconnected:
		logrus.Error("lost the XMPP connection, shutting down")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	service.Stop()
	_ = component.Close()
	for _, function := range deferredFunctions {
		function()
	}
}

// applyFlagOverrides lets the connection flags win over the file, matching the
// precedence clients expect: flags > environment > file.
func applyFlagOverrides(cfg *config.Config, host string, port int, domain, subdomain, secret string) {
	if host != "" {
		cfg.Component.Host = host
	}
	if port != 0 {
		cfg.Component.Port = port
	}
	if domain != "" {
		if subdomain != "" {
			cfg.Component.Domain = fmt.Sprintf("%s.%s", subdomain, domain)
		} else {
			cfg.Component.Domain = domain
		}
	}
	if secret != "" {
		cfg.Component.Secret = secret
	}
}
