// Command ptl4ctl stands up a loopback NI pair in one process and drives
// PUT/GET/ATOMIC traffic against it for manual smoke-testing, mirroring
// the teacher's cmd/ublk-mem demonstration binary but split into cobra
// subcommands instead of one flag-parsing main.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/portals4-go/ptl4"
	"github.com/portals4-go/ptl4/internal/config"
	"github.com/portals4-go/ptl4/internal/logging"
	"github.com/portals4-go/ptl4/internal/telemetry"
	"github.com/portals4-go/ptl4/transport/loopback"
)

const (
	initiatorNID = 1
	targetNID    = 2
	demoPT       = 0
	cliTimeout   = 5 * time.Second
)

func main() {
	root := &cobra.Command{
		Use:   "ptl4ctl",
		Short: "drive a loopback Portals 4 NI pair for smoke-testing",
	}

	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newPutCmd(&verbose), newGetCmd(&verbose), newAtomicCmd(&verbose), newServeCmd(&verbose))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// pair builds two loopback-connected NIs, initiator and target, sharing one
// PT entry (demoPT) with a ready-to-use event queue and counting event.
func pair(verbose bool) (initNI, tgtNI *ptl4.NI, eq *ptl4.EQ, ct *ptl4.CT, cleanup func()) {
	logConfig := &logging.Config{Level: logging.LevelInfo}
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	reg := loopback.NewRegistry()
	initNode := loopback.NewNode(reg, ptl4.Identity{NID: initiatorNID})
	tgtNode := loopback.NewNode(reg, ptl4.Identity{NID: targetNID})

	var err error
	initNI, err = ptl4.NIInit(ptl4.NIOptions{
		Self:      ptl4.Identity{NID: initiatorNID},
		Transport: initNode,
		Logger:    logger,
	})
	if err != nil {
		logger.Errorf("initiator NIInit failed: %v", err)
		os.Exit(1)
	}
	tgtNI, err = ptl4.NIInit(ptl4.NIOptions{
		Self:      ptl4.Identity{NID: targetNID},
		Transport: tgtNode,
		Logger:    logger,
	})
	if err != nil {
		logger.Errorf("target NIInit failed: %v", err)
		os.Exit(1)
	}

	eq = ptl4.EQAlloc(16, nil)
	ct = ptl4.CTAlloc()
	if err := ptl4.PTAlloc(tgtNI, demoPT, eq, false); err != nil {
		logger.Errorf("PTAlloc failed: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go initNI.Progress().Run(ctx)
	go tgtNI.Progress().Run(ctx)

	cleanup = func() {
		cancel()
		initNI.Close()
		tgtNI.Close()
	}
	return
}

func newPutCmd(verbose *bool) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "put a byte payload into a freshly posted LE on the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			initNI, tgtNI, eq, ct, cleanup := pair(*verbose)
			defer cleanup()

			buf := make([]byte, len(payload))
			dst := make([]byte, len(payload))
			copy(buf, payload)

			le, err := ptl4.LEAppend(tgtNI, demoPT, ptl4.LEAppendOptions{
				Iovec:      [][]byte{dst},
				Options:    ptl4.OptOpPut,
				IgnoreBits: ^uint64(0),
				Match:      ptl4.Identity{NID: ptl4.IDAny},
				UID:        ptl4.IDAny,
				EQ:         eq,
				CT:         ct,
			})
			if err != nil {
				return err
			}
			defer ptl4.LEUnlink(le)

			md := ptl4.MDBind(buf, 0, nil, nil)
			ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
			defer cancel()
			if err := ptl4.PtlPut(ctx, initNI, md, ptl4.PutOptions{
				Target:     ptl4.Identity{NID: targetNID},
				PTIndex:    demoPT,
				AckRequest: ptl4.AckFull,
			}); err != nil {
				return err
			}

			ev := eq.Wait()
			fmt.Printf("put complete: ni_fail=%s length=%d\n", ev.NIFail, ev.Length)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "hello", "payload bytes to put")
	return cmd
}

func newGetCmd(verbose *bool) *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "get",
		Short: "get bytes back from a freshly posted LE on the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			initNI, tgtNI, eq, ct, cleanup := pair(*verbose)
			defer cleanup()

			source := make([]byte, size)
			for i := range source {
				source[i] = byte(i)
			}
			dest := make([]byte, size)

			le, err := ptl4.LEAppend(tgtNI, demoPT, ptl4.LEAppendOptions{
				Iovec:      [][]byte{source},
				Options:    ptl4.OptOpGet,
				IgnoreBits: ^uint64(0),
				Match:      ptl4.Identity{NID: ptl4.IDAny},
				UID:        ptl4.IDAny,
				EQ:         eq,
				CT:         ct,
			})
			if err != nil {
				return err
			}
			defer ptl4.LEUnlink(le)

			md := ptl4.MDBind(dest, 0, nil, nil)
			ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
			defer cancel()
			if err := ptl4.PtlGet(ctx, initNI, md, ptl4.GetOptions{
				Target:  ptl4.Identity{NID: targetNID},
				PTIndex: demoPT,
			}); err != nil {
				return err
			}

			ev := eq.Wait()
			fmt.Printf("get complete: ni_fail=%s length=%d data=%x\n", ev.NIFail, ev.Length, dest)
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "size", 16, "number of bytes to fetch")
	return cmd
}

func newAtomicCmd(verbose *bool) *cobra.Command {
	var operand uint32
	cmd := &cobra.Command{
		Use:   "atomic",
		Short: "atomically sum a uint32 operand into the target's posted LE",
		RunE: func(cmd *cobra.Command, args []string) error {
			initNI, tgtNI, eq, ct, cleanup := pair(*verbose)
			defer cleanup()

			target := make([]byte, 4)
			le, err := ptl4.LEAppend(tgtNI, demoPT, ptl4.LEAppendOptions{
				Iovec:      [][]byte{target},
				Options:    ptl4.OptOpPut | ptl4.OptOpGet,
				IgnoreBits: ^uint64(0),
				Match:      ptl4.Identity{NID: ptl4.IDAny},
				UID:        ptl4.IDAny,
				EQ:         eq,
				CT:         ct,
			})
			if err != nil {
				return err
			}
			defer ptl4.LEUnlink(le)

			operandBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(operandBuf, operand)
			md := ptl4.MDBind(operandBuf, 0, nil, nil)
			ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
			defer cancel()
			if err := ptl4.PtlAtomic(ctx, initNI, md, ptl4.AtomicOptions{
				Target:     ptl4.Identity{NID: targetNID},
				PTIndex:    demoPT,
				AtomType:   ptl4.UInt32,
				AtomOp:     ptl4.AtomSum,
				AckRequest: ptl4.AckFull,
			}); err != nil {
				return err
			}

			ev := eq.Wait()
			fmt.Printf("atomic complete: ni_fail=%s result=%d\n", ev.NIFail, binary.LittleEndian.Uint32(target))
			return nil
		},
	}
	cmd.Flags().Uint32Var(&operand, "operand", 1, "uint32 operand to add")
	return cmd
}

func newServeCmd(verbose *bool) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a target NI with a /metrics endpoint, blocking until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			logConfig := &logging.Config{Level: logging.LevelInfo}
			if *verbose {
				logConfig.Level = logging.LevelDebug
			}
			logger := logging.NewLogger(logConfig)
			logging.SetDefault(logger)

			reg := prometheus.NewRegistry()
			observer := telemetry.NewObserver(reg)

			loopReg := loopback.NewRegistry()
			node := loopback.NewNode(loopReg, ptl4.Identity{NID: targetNID})

			ni, err := ptl4.NIInit(ptl4.NIOptions{
				Self:          ptl4.Identity{NID: targetNID},
				Transport:     node,
				Logger:        logger,
				Observer:      observer,
				MaxPTIndex:    cfg.NI.MaxPTIndex,
				MaxMsgSize:    uint64(cfg.NI.MaxMsgSize),
				MaxAtomicSize: uint64(cfg.NI.MaxAtomicSize),
				IsLogical:     cfg.NI.IsLogical,
			})
			if err != nil {
				return err
			}
			defer ni.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go ni.Progress().Run(ctx)

			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
				go func() {
					logger.Infof("serve: metrics listening on %s", cfg.Metrics.Addr)
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Errorf("serve: metrics server failed: %v", err)
					}
				}()
				defer srv.Close()
			}

			logger.Infof("serve: target NI running as nid=%d, press Ctrl+C to stop", targetNID)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logger.Infof("serve: shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML/TOML/JSON config file")
	return cmd
}
