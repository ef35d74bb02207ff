package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/utils/clock"

	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/common"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/abort"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/agent"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/configuration"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/handlers"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/resolver"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/state"
	"github.com/giovtorres/slurm-docker-cluster-sub003/internal/pmixagent/sweep"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.PmixAgentConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/pmixagent", userSpecifiedConfigs)
	if err := config.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	log.Info("Starting...")
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	clk := clock.RealClock{}
	directRequests := state.NewDirectRequestRegistry(config.Agent.DirectModexTimeout, clk)
	collectives := state.NewCollectiveRegistry(config.Agent.CollectiveTimeout, clk)
	reclaimer := state.NewLazyReclaimer()
	sweeper := sweep.New(directRequests, collectives, reclaimer, clk)
	hostResolver := resolver.New(config.Resolver.Ttl, config.Resolver.Timeout)

	a := agent.New(config.Agent, handlers.NewControlHandler(), handlers.NewDirectHandler(), sweeper, hostResolver)
	if err := a.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start pmix agent")
	}

	abortService := abort.NewService(config.Abort, func(peer string, conn net.Conn) {
		log.Warnf("Job abort requested by %s", peer)
	})
	if err := abortService.Start(abort.OsEnvironment{}); err != nil {
		if stopErr := a.Stop(); stopErr != nil {
			log.WithError(stopErr).Warn("Failed to stop pmix agent cleanly")
		}
		log.WithError(err).Fatal("Failed to start abort agent")
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	<-stopSignal

	if err := abortService.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop abort agent cleanly")
	}
	if err := a.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop pmix agent cleanly")
	}
	log.Info("Shutdown complete")
}
