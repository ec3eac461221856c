package main

import (
	"flag"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Configuration keys. Each is settable as a flag or as an environment
// variable with the SANDBOXD_ prefix (dashes become underscores).
const (
	dataDirKey            = "data-dir"
	logLevelKey           = "log-level"
	subnetTypeKey         = "subnet-type"
	trackingKey           = "dirty-page-tracking"
	instructionLimitKey   = "instruction-limit"
	controllerEndpointKey = "controller-endpoint"
	controllerTokenKey    = "controller-token"
	controllerTLSKey      = "controller-tls"
	replicaIDKey          = "replica-id"
	versionKey            = "version"
)

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("sandboxd", flag.ContinueOnError)

	fs.String(dataDirKey, "/var/lib/sandboxd", "Data directory for state and checkpoint stores")
	fs.String(logLevelKey, "info", "Log level: debug, info, warn, error")
	fs.String(subnetTypeKey, "application", "Subnet class: application, verified_application, system")
	fs.String(trackingKey, "track", "Dirty page detection: track, ignore")
	fs.Uint64(instructionLimitKey, 0, "Per-message instruction budget (0 = default)")
	fs.String(controllerEndpointKey, "", "Replica controller gRPC endpoint (empty disables reporting)")
	fs.String(controllerTokenKey, "", "Replica controller authentication token")
	fs.Bool(controllerTLSKey, false, "Use TLS for the controller connection")
	fs.String(replicaIDKey, "", "Replica identity announced to the controller")
	fs.Bool(versionKey, false, "Print version and exit")

	return fs
}

// getViper returns the merged flag and environment configuration.
func getViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("sandboxd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs := buildFlagSet()
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	return v, nil
}
