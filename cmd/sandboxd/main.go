// sandboxd: canister sandbox process.
//
// This is the main entry point for the sandbox daemon. It hosts the
// execution boundary for canister messages: the syscall dispatch table,
// instruction budgeting, dirty page tracking and versioned heap
// checkpoints. Execution outcomes stream to the replica controller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/memory"
	"github.com/developerabhi01/ic/pkg/node"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	v, err := getViper()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if v.GetBool(versionKey) {
		fmt.Printf("sandboxd %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	logger := log.StandardLogger()
	level, err := log.ParseLevel(v.GetString(logLevelKey))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", v.GetString(logLevelKey))
		os.Exit(1)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	})

	subnetType, err := types.ParseSubnetType(v.GetString(subnetTypeKey))
	if err != nil {
		logger.Fatalf("invalid subnet type: %v", err)
	}

	tracking, ok := memory.ParseTrackingPolicy(v.GetString(trackingKey))
	if !ok {
		logger.Fatalf("invalid dirty page tracking %q", v.GetString(trackingKey))
	}

	logger.WithFields(log.Fields{
		"version":  Version,
		"subnet":   subnetType.String(),
		"tracking": tracking.String(),
	}).Info("starting sandboxd")

	cfg := node.Config{
		DataDir:            v.GetString(dataDirKey),
		SubnetType:         subnetType,
		Tracking:           tracking,
		InstructionLimit:   types.NumInstructions(v.GetUint64(instructionLimitKey)),
		ControllerEndpoint: v.GetString(controllerEndpointKey),
		ControllerToken:    v.GetString(controllerTokenKey),
		ControllerUseTLS:   v.GetBool(controllerTLSKey),
		ReplicaID:          v.GetString(replicaIDKey),
		Logger:             logger,
		OnError: func(err error) {
			logger.WithError(err).Error("controller connection error")
		},
	}

	n, err := node.New(cfg)
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		logger.Fatalf("failed to start: %v", err)
	}

	// Periodic status line.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := n.Status()
				fields := log.Fields{
					"canisters":    s.CanisterCount,
					"executions":   s.ExecutionsRun,
					"instructions": s.InstructionsConsumed,
					"traps":        s.TrapsObserved,
				}
				if s.ControllerHealth != nil {
					fields["controller_connected"] = s.ControllerHealth.Connected
					fields["reports_pending"] = s.ControllerHealth.Pending
				}
				logger.WithFields(fields).Info("status")
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("shutting down")

	cancel()
	if err := n.Stop(); err != nil {
		logger.WithError(err).Error("shutdown error")
		os.Exit(1)
	}
	logger.Info("sandboxd stopped")
}
